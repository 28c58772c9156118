// Package matching scores and ranks senseis against a trip's requirements.
//
// Rank is a pure function of its inputs: the same trip, candidates, conflicts
// and options always produce the same ordered output.
package matching

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/jordanhubbard/tripdesk/internal/conflict"
	"github.com/jordanhubbard/tripdesk/pkg/models"
)

// Weights are the fixed contributions of each criterion to a 0-100 score
type Weights struct {
	Specialty    float64
	Availability float64
	Level        float64
	Rating       float64
	CleanRecord  float64

	ConflictPenalty    float64 // Subtracted per conflict reason
	MaxConflictPenalty float64
}

// DefaultWeights sum to 100 before penalties
var DefaultWeights = Weights{
	Specialty:          30,
	Availability:       25,
	Level:              20,
	Rating:             15,
	CleanRecord:        10,
	ConflictPenalty:    15,
	MaxConflictPenalty: 45,
}

const maxRating = 5.0

// Candidate pairs a sensei with the conflicts the resolver reported for the trip
type Candidate struct {
	Sensei    *models.SenseiCandidate
	Conflicts []models.ConflictReason
}

// Options carries the thresholds and trip-specific grants used while ranking
type Options struct {
	MinScore        int
	AutoAssignScore int
	Grants          map[string]int
}

// OptionsFromSettings builds ranking options from an automation settings snapshot
func OptionsFromSettings(s models.AutomationSettings, grants map[string]int) Options {
	return Options{
		MinScore:        s.MinMatchScore,
		AutoAssignScore: s.AutoAssignThreshold(),
		Grants:          grants,
	}
}

// Breakdown holds each normalized criterion (0-1) behind a score
type Breakdown struct {
	Specialty    float64 `json:"specialty"`
	Availability float64 `json:"availability"`
	Level        float64 `json:"level"`
	Rating       float64 `json:"rating"`
	Penalty      float64 `json:"penalty"`
}

// RankedCandidate is one entry of the ranking output
type RankedCandidate struct {
	SenseiID            string                  `json:"sensei_id"`
	Score               int                     `json:"score"`
	Rating              float64                 `json:"rating"`
	AutoAssignable      bool                    `json:"auto_assignable"`
	MissingRequirements []string                `json:"missing_requirements,omitempty"`
	Conflicts           []models.ConflictReason `json:"conflicts,omitempty"`
	Breakdown           Breakdown               `json:"breakdown"`
}

// Engine ranks candidates with a fixed set of weights
type Engine struct {
	weights Weights
}

// NewEngine creates an engine with DefaultWeights
func NewEngine() *Engine {
	return &Engine{weights: DefaultWeights}
}

// NewEngineWithWeights creates an engine with custom weights
func NewEngineWithWeights(w Weights) *Engine {
	return &Engine{weights: w}
}

// Rank scores every candidate, drops those below opts.MinScore and orders the
// rest by score desc, rating desc, then sensei ID asc.
func (e *Engine) Rank(trip *models.Trip, candidates []Candidate, opts Options) []RankedCandidate {
	ranked := make([]RankedCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Sensei == nil {
			continue
		}
		rc := e.Score(trip, c, opts)
		if rc.Score < opts.MinScore {
			continue
		}
		ranked = append(ranked, rc)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		if ranked[i].Rating != ranked[j].Rating {
			return ranked[i].Rating > ranked[j].Rating
		}
		return ranked[i].SenseiID < ranked[j].SenseiID
	})
	return ranked
}

// Score computes one candidate's score without applying the minimum filter
func (e *Engine) Score(trip *models.Trip, c Candidate, opts Options) RankedCandidate {
	w := e.weights
	s := c.Sensei
	missing := make([]string, 0)

	b := Breakdown{
		Specialty:    specialtyMatch(trip.Theme, s.Specialties),
		Availability: availabilityCoverage(trip, s.Availability),
		Level:        levelAdequacy(conflict.EffectiveLevel(s, opts.Grants), trip.RequiredPermissionLevel),
		Rating:       clamp01(s.Rating / maxRating),
	}
	if b.Specialty < 1 {
		missing = append(missing, "specialty:"+strings.ToLower(strings.TrimSpace(trip.Theme)))
	}
	if b.Availability < 1 {
		missing = append(missing, "availability")
	}
	if b.Level < 1 {
		missing = append(missing, "permission_level")
	}

	clean := 1.0
	if len(c.Conflicts) > 0 {
		clean = 0
		b.Penalty = math.Min(float64(len(c.Conflicts))*w.ConflictPenalty, w.MaxConflictPenalty)
	}

	raw := w.Specialty*b.Specialty +
		w.Availability*b.Availability +
		w.Level*b.Level +
		w.Rating*b.Rating +
		w.CleanRecord*clean -
		b.Penalty
	score := int(math.Round(math.Max(0, math.Min(100, raw))))

	threshold := opts.AutoAssignScore
	if threshold <= 0 {
		threshold = opts.MinScore
	}

	return RankedCandidate{
		SenseiID:            s.ID,
		Score:               score,
		Rating:              s.Rating,
		AutoAssignable:      score >= threshold && len(c.Conflicts) == 0,
		MissingRequirements: missing,
		Conflicts:           c.Conflicts,
		Breakdown:           b,
	}
}

func specialtyMatch(theme string, specialties []string) float64 {
	theme = strings.ToLower(strings.TrimSpace(theme))
	if theme == "" {
		return 1
	}
	known := make(map[string]bool)
	for _, sp := range specialties {
		sp = strings.ToLower(strings.TrimSpace(sp))
		if sp == theme {
			return 1
		}
		for _, tok := range tokenize(sp) {
			known[tok] = true
		}
	}
	tokens := tokenize(theme)
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range tokens {
		if known[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func availabilityCoverage(trip *models.Trip, windows []models.DateRange) float64 {
	if trip.StartDate.IsZero() {
		return 1
	}
	start := truncateDay(trip.StartDate)
	end := truncateDay(trip.EndDate)
	if end.Before(start) {
		end = start
	}

	days, covered := 0, 0
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days++
		for _, w := range windows {
			if (models.DateRange{Start: truncateDay(w.Start), End: truncateDay(w.End)}).Contains(d) {
				covered++
				break
			}
		}
	}
	return float64(covered) / float64(days)
}

func levelAdequacy(level, required int) float64 {
	if required <= 0 {
		return 1
	}
	return clamp01(float64(level) / float64(required))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
