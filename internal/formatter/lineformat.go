package formatter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NamespaceContext is the common-features argument NamespaceFormatter
// expects: one or more named namespaces, each holding feature:value pairs
// shared by every item in the call.
type NamespaceContext struct {
	Namespaces map[string]map[string]float64
}

// NamespaceItem is the per-item features argument NamespaceFormatter
// expects.
type NamespaceItem struct {
	Namespace string
	Features  map[string]float64
}

// NamespaceFormatter assembles engine lines of the shape
// "|ns1 f1:v1 f2:v2 |ns2 f3:v3" the way the teacher's Harmony formatter
// assembles a chat prompt section by section with a strings.Builder: one
// section per namespace, features sorted for deterministic output.
type NamespaceFormatter struct{}

func (NamespaceFormatter) Common(ctx any, _ DebugSink) (string, error) {
	nc, ok := ctx.(NamespaceContext)
	if !ok {
		return "", fmt.Errorf("%w: NamespaceFormatter expects NamespaceContext, got %T", ErrFormat, ctx)
	}
	var b strings.Builder
	writeNamespaces(&b, nc.Namespaces)
	return strings.TrimSpace(b.String()), nil
}

func (NamespaceFormatter) Item(_ any, item any, _ DebugSink) (string, error) {
	ni, ok := item.(NamespaceItem)
	if !ok {
		return "", fmt.Errorf("%w: NamespaceFormatter expects NamespaceItem, got %T", ErrFormat, item)
	}
	if ni.Namespace == "" {
		return "", fmt.Errorf("%w: item namespace must not be empty", ErrFormat)
	}
	var b strings.Builder
	writeNamespaces(&b, map[string]map[string]float64{ni.Namespace: ni.Features})
	return strings.TrimSpace(b.String()), nil
}

func writeNamespaces(b *strings.Builder, namespaces map[string]map[string]float64) {
	names := make([]string, 0, len(namespaces))
	for name := range namespaces {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('|')
		b.WriteString(name)

		features := make([]string, 0, len(namespaces[name]))
		for f := range namespaces[name] {
			features = append(features, f)
		}
		sort.Strings(features)

		for _, f := range features {
			b.WriteByte(' ')
			b.WriteString(f)
			b.WriteByte(':')
			b.WriteString(strconv.FormatFloat(namespaces[name][f], 'g', -1, 64))
		}
	}
}
