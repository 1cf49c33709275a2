// Package audit implements component F: parsing the engine's audit-mode
// explanation lines into a form a human (or a debugging tool) can read,
// and ranking which features drove a score the most.
package audit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// AuditParseError reports where in an explanation line parsing failed.
type AuditParseError struct {
	Line   string
	Column int
	Reason string
}

func (e *AuditParseError) Error() string {
	return fmt.Sprintf("audit: parse error at column %d: %s (line %q)", e.Column, e.Reason, e.Line)
}

// Element is one namespace/name pair parsed out of a (possibly
// interacting) feature name, e.g. "a_item_id^i123" -> {"a_item_id", "i123"}.
type Element struct {
	Namespace string
	Name      string
}

// FeatureContribution is one engine-reported feature's contribution to a
// score: the raw feature name, its parsed namespace/name elements (more
// than one when it's a quadratic or higher-order interaction), the
// engine's internal hash index, the input value and learned weight, and
// the product of the two (the feature's "potential").
type FeatureContribution struct {
	OriginalName string
	Interacting  []Element
	HashIndex    int
	Value        float64
	Weight       float64
	SSGrad       *float64

	Potential         float64
	RelativePotential float64
}

// Record is the fully parsed audit-mode explanation for one scored item.
type Record struct {
	Features []FeatureContribution
}

// ParseLine parses one tab-separated audit-mode line into a Record. Each
// field is "namespace^name:hash_index:value:weight[@ss_grad]"; interacting
// feature names (quadratics and higher) are joined with '*'.
func ParseLine(line string) (*Record, error) {
	fields := strings.Split(line, "\t")
	rec := &Record{Features: make([]FeatureContribution, 0, len(fields))}
	col := 0
	for _, field := range fields {
		parts := strings.Split(field, ":")
		if len(parts) != 4 {
			return nil, &AuditParseError{Line: line, Column: col, Reason: fmt.Sprintf("expected 4 colon-separated parts, got %d", len(parts))}
		}

		featureName := parts[0]
		hashIndex, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, &AuditParseError{Line: line, Column: col, Reason: "bad hash index: " + err.Error()}
		}
		value, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return nil, &AuditParseError{Line: line, Column: col, Reason: "bad value: " + err.Error()}
		}

		weightField := parts[3]
		var ssGrad *float64
		weightStr := weightField
		if at := strings.IndexByte(weightField, '@'); at >= 0 {
			weightStr = weightField[:at]
			g, err := strconv.ParseFloat(weightField[at+1:], 64)
			if err == nil {
				ssGrad = &g
			}
		}
		weight, err := strconv.ParseFloat(weightStr, 64)
		if err != nil {
			return nil, &AuditParseError{Line: line, Column: col, Reason: "bad weight: " + err.Error()}
		}

		namedParts := strings.Split(featureName, "*")
		elements := make([]Element, 0, len(namedParts))
		for _, part := range namedParts {
			elements = append(elements, parseElement(part))
		}

		rec.Features = append(rec.Features, FeatureContribution{
			OriginalName: featureName,
			Interacting:  elements,
			HashIndex:    hashIndex,
			Value:        value,
			Weight:       weight,
			SSGrad:       ssGrad,
			Potential:    value * weight,
		})
		col += len(field) + 1
	}
	return rec, nil
}

// parseElement splits a single namespace^name token. An element with no
// '^' has no namespace, matching the reference parser's treatment of
// unnamespaced features.
func parseElement(element string) Element {
	if i := strings.IndexByte(element, '^'); i >= 0 {
		return Element{Namespace: element[:i], Name: element[i+1:]}
	}
	return Element{Name: element}
}

// Explain ranks the record's features by relative potential, the share
// of total absolute potential each feature accounts for. When every
// feature has zero potential (e.g. all unknown to the model), the total
// is treated as 1 rather than dividing by zero.
func (r *Record) Explain() []FeatureContribution {
	ranked := make([]FeatureContribution, len(r.Features))
	copy(ranked, r.Features)

	var potentialSum float64
	for i := range ranked {
		ranked[i].Potential = ranked[i].Value * ranked[i].Weight
		potentialSum += abs(ranked[i].Potential)
	}
	if potentialSum == 0 {
		potentialSum = 1
	}
	for i := range ranked {
		ranked[i].RelativePotential = abs(ranked[i].Potential) / potentialSum
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].RelativePotential > ranked[j].RelativePotential
	})
	return ranked
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
