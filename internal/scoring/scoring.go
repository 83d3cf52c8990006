// SPDX-License-Identifier: MIT

// Package scoring implements the stateless per-window pipeline stage
// between inference and the event state machine: noise filtering, group
// composite scoring, ranking, and per-group admission (spec.md §4.4).
package scoring

import (
	"sort"

	"github.com/soundwatch/soundwatch-go/internal/taxonomy"
)

// ClassDetection is one noise-filtered class score, carried through to the
// CSV audit sink alongside its owning group.
type ClassDetection struct {
	Class string
	Group string
	Score float32
}

// Detection is one admitted group in the ranked result.
type Detection struct {
	Group     string
	Composite float32
}

// Pipeline holds the immutable inputs the scoring stage needs: the
// taxonomy to resolve class indices to group names, and the tunables from
// spec.md §6's general/sounds sections.
type Pipeline struct {
	Taxonomy        *taxonomy.Taxonomy
	NoiseThreshold  float32
	TopK            int
	DefaultMinScore float32
	Tracked         map[string]bool
	MinScore        map[string]float32 // per-group override
}

// New builds a Pipeline. tracked and minScore may be nil (treated as empty).
func New(tax *taxonomy.Taxonomy, noiseThreshold float32, topK int, defaultMinScore float32, tracked map[string]bool, minScore map[string]float32) *Pipeline {
	if tracked == nil {
		tracked = map[string]bool{}
	}
	if minScore == nil {
		minScore = map[string]float32{}
	}
	return &Pipeline{
		Taxonomy:        tax,
		NoiseThreshold:  noiseThreshold,
		TopK:            topK,
		DefaultMinScore: defaultMinScore,
		Tracked:         tracked,
		MinScore:        minScore,
	}
}

// minScoreFor returns the admission threshold for group.
func (p *Pipeline) minScoreFor(group string) float32 {
	if v, ok := p.MinScore[group]; ok {
		return v
	}
	return p.DefaultMinScore
}

// Run applies the noise filter, group composite score, ranking, and
// admission threshold to one inference score vector. It returns every
// noise-filtered class detection (for the CSV audit trail, regardless of
// group admission) and the ranked, admitted group detections used to drive
// the event state machine.
func (p *Pipeline) Run(scores []float32) (classes []ClassDetection, groups []Detection) {
	groupScores := make(map[string][]float32)

	for i, score := range scores {
		if score < p.NoiseThreshold {
			continue
		}
		class, err := p.Taxonomy.Class(i)
		if err != nil {
			continue
		}
		classes = append(classes, ClassDetection{Class: class.Name, Group: class.Group, Score: score})
		groupScores[class.Group] = append(groupScores[class.Group], score)
	}

	if len(groupScores) == 0 {
		return classes, nil
	}

	composite := make([]Detection, 0, len(groupScores))
	for group, scores := range groupScores {
		composite = append(composite, Detection{Group: group, Composite: compositeScore(scores)})
	}

	sort.Slice(composite, func(i, j int) bool {
		return composite[i].Composite > composite[j].Composite
	})

	topK := p.TopK
	if topK <= 0 || topK > len(composite) {
		topK = len(composite)
	}
	composite = composite[:topK]

	for _, d := range composite {
		if !p.Tracked[d.Group] {
			continue
		}
		if d.Composite >= p.minScoreFor(d.Group) {
			groups = append(groups, d)
		}
	}

	return classes, groups
}

// compositeScore implements spec.md §4.4 step 3: a "chorus boost" for
// groups supported by several weak classes, short-circuited by any single
// strong (>0.7) detection and capped at 0.95 so the boost never exceeds a
// genuine strong detection.
func compositeScore(scores []float32) float32 {
	var max float32
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	if max > 0.7 {
		return max
	}
	boosted := max + 0.05*float32(len(scores))
	if boosted > 0.95 {
		return 0.95
	}
	return boosted
}
