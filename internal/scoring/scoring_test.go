// SPDX-License-Identifier: MIT

package scoring

import (
	"strings"
	"testing"

	"github.com/soundwatch/soundwatch-go/internal/taxonomy"
)

func buildTaxonomy(t *testing.T, names ...string) *taxonomy.Taxonomy {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("index,name\n")
	for i := 0; i < taxonomy.ClassCount; i++ {
		name := "silence.silence"
		if i < len(names) {
			name = names[i]
		}
		sb.WriteString(itoa(i) + "," + name + "\n")
	}
	tax, err := taxonomy.LoadFromReader(strings.NewReader(sb.String()))
	if err != nil {
		t.Fatalf("taxonomy fixture: %v", err)
	}
	return tax
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func scoresWith(values map[int]float32) []float32 {
	s := make([]float32, taxonomy.ClassCount)
	for i, v := range values {
		s[i] = v
	}
	return s
}

// Scenario A (spec.md §8): noise_threshold=0.1, one group dog tracked with
// min_score=0.5, scores [0.05, 0.4, 0.55] across three dog classes:
// filtered=[0.4,0.55], composite = min(0.55+0.05*2, 0.95) = 0.65, admitted.
func TestScoringPipeline_BoundaryScenarioA(t *testing.T) {
	tax := buildTaxonomy(t, "dog.bark", "dog.growl", "dog.whine")
	p := New(tax, 0.1, 10, 0.5, map[string]bool{"dog": true}, nil)

	scores := scoresWith(map[int]float32{0: 0.05, 1: 0.4, 2: 0.55})
	_, groups := p.Run(scores)

	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if groups[0].Group != "dog" {
		t.Fatalf("group = %q, want dog", groups[0].Group)
	}
	const want = float32(0.65)
	if diff := groups[0].Composite - want; diff > 1e-6 || diff < -1e-6 {
		t.Fatalf("composite = %v, want %v", groups[0].Composite, want)
	}
}

// Scenario B (spec.md §8): same setup, scores [0.05, 0.4, 0.72]: composite
// = 0.72 (no boost, since max > 0.7); admitted.
func TestScoringPipeline_BoundaryScenarioB(t *testing.T) {
	tax := buildTaxonomy(t, "dog.bark", "dog.growl", "dog.whine")
	p := New(tax, 0.1, 10, 0.5, map[string]bool{"dog": true}, nil)

	scores := scoresWith(map[int]float32{0: 0.05, 1: 0.4, 2: 0.72})
	_, groups := p.Run(scores)

	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if groups[0].Composite != 0.72 {
		t.Fatalf("composite = %v, want 0.72 (no boost)", groups[0].Composite)
	}
}

func TestScoringPipeline_UntrackedGroupNotAdmitted(t *testing.T) {
	tax := buildTaxonomy(t, "cat.meow")
	p := New(tax, 0.1, 10, 0.5, map[string]bool{"dog": true}, nil)

	scores := scoresWith(map[int]float32{0: 0.9})
	_, groups := p.Run(scores)

	if len(groups) != 0 {
		t.Fatalf("got %d groups, want 0 (cat not tracked)", len(groups))
	}
}

func TestScoringPipeline_BelowMinScoreNotAdmitted(t *testing.T) {
	tax := buildTaxonomy(t, "dog.bark")
	p := New(tax, 0.1, 10, 0.5, map[string]bool{"dog": true}, map[string]float32{"dog": 0.9})

	scores := scoresWith(map[int]float32{0: 0.8})
	_, groups := p.Run(scores)

	if len(groups) != 0 {
		t.Fatalf("got %d groups, want 0 (below per-group min_score)", len(groups))
	}
}

func TestScoringPipeline_TopKCapsRankedResults(t *testing.T) {
	tax := buildTaxonomy(t, "a.x", "b.x", "c.x")
	tracked := map[string]bool{"a": true, "b": true, "c": true}
	p := New(tax, 0.1, 2, 0.1, tracked, nil)

	scores := scoresWith(map[int]float32{0: 0.9, 1: 0.8, 2: 0.95})
	_, groups := p.Run(scores)

	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2 (top_k=2)", len(groups))
	}
	if groups[0].Group != "c" || groups[1].Group != "a" {
		t.Fatalf("groups = %+v, want [c a] descending", groups)
	}
}

func TestScoringPipeline_ClassDetectionsIncludeAllNoiseFiltered(t *testing.T) {
	tax := buildTaxonomy(t, "dog.bark", "cat.meow")
	p := New(tax, 0.1, 10, 0.5, nil, nil)

	scores := scoresWith(map[int]float32{0: 0.05, 1: 0.3})
	classes, groups := p.Run(scores)

	if len(classes) != 1 || classes[0].Class != "cat.meow" {
		t.Fatalf("classes = %+v, want just cat.meow (0.05 below noise floor)", classes)
	}
	if len(groups) != 0 {
		t.Fatalf("groups = %+v, want none tracked", groups)
	}
}
