package audit

import "testing"

func TestParseLineSimpleFeature(t *testing.T) {
	rec, err := ParseLine("a_item_id^i123:15:1:0.5")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if len(rec.Features) != 1 {
		t.Fatalf("expected 1 feature, got %d", len(rec.Features))
	}
	f := rec.Features[0]
	if f.HashIndex != 15 || f.Value != 1 || f.Weight != 0.5 {
		t.Fatalf("unexpected feature: %+v", f)
	}
	if len(f.Interacting) != 1 || f.Interacting[0].Namespace != "a_item_id" || f.Interacting[0].Name != "i123" {
		t.Fatalf("unexpected element: %+v", f.Interacting)
	}
}

func TestParseLineInteractionAndSSGrad(t *testing.T) {
	rec, err := ParseLine("c^c8*f^f102:42:1:-0.25@0.01")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	f := rec.Features[0]
	if len(f.Interacting) != 2 {
		t.Fatalf("expected 2 interacting elements, got %d", len(f.Interacting))
	}
	if f.Interacting[0].Namespace != "c" || f.Interacting[0].Name != "c8" {
		t.Fatalf("unexpected first element: %+v", f.Interacting[0])
	}
	if f.Interacting[1].Namespace != "f" || f.Interacting[1].Name != "f102" {
		t.Fatalf("unexpected second element: %+v", f.Interacting[1])
	}
	if f.Weight != -0.25 {
		t.Fatalf("expected weight -0.25, got %v", f.Weight)
	}
	if f.SSGrad == nil || *f.SSGrad != 0.01 {
		t.Fatalf("expected ss_grad 0.01, got %v", f.SSGrad)
	}
}

func TestParseLineUnnamespacedElement(t *testing.T) {
	rec, err := ParseLine("bias:0:1:0.1")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	el := rec.Features[0].Interacting[0]
	if el.Namespace != "" || el.Name != "bias" {
		t.Fatalf("unexpected element: %+v", el)
	}
}

func TestParseLineMalformed(t *testing.T) {
	if _, err := ParseLine("broken:no:enough"); err == nil {
		t.Fatal("expected a parse error for a field with too few colon-separated parts")
	}
}

func TestExplainRanksByRelativePotential(t *testing.T) {
	rec := &Record{Features: []FeatureContribution{
		{OriginalName: "a", Value: 1, Weight: 1},   // potential 1
		{OriginalName: "b", Value: 1, Weight: 4},   // potential 4
		{OriginalName: "c", Value: 1, Weight: -2},  // potential -2, abs 2
	}}
	ranked := rec.Explain()
	if ranked[0].OriginalName != "b" {
		t.Fatalf("expected b to rank first, got %s", ranked[0].OriginalName)
	}
	if ranked[1].OriginalName != "c" {
		t.Fatalf("expected c to rank second, got %s", ranked[1].OriginalName)
	}
	if ranked[2].OriginalName != "a" {
		t.Fatalf("expected a to rank third, got %s", ranked[2].OriginalName)
	}
	total := ranked[0].RelativePotential + ranked[1].RelativePotential + ranked[2].RelativePotential
	if total < 0.999 || total > 1.001 {
		t.Fatalf("expected relative potentials to sum to ~1, got %v", total)
	}
}

func TestExplainZeroPotentialGuard(t *testing.T) {
	rec := &Record{Features: []FeatureContribution{
		{OriginalName: "a", Value: 0, Weight: 0},
		{OriginalName: "b", Value: 0, Weight: 0},
	}}
	ranked := rec.Explain()
	for _, f := range ranked {
		if f.RelativePotential != 0 {
			t.Fatalf("expected zero relative potential when every potential is zero, got %v", f.RelativePotential)
		}
	}
}
