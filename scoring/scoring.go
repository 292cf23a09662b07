// Package scoring turns similarity, popularity and content age into a single
// weighted, fully explainable recommendation score.
//
// Every returned score can be reconstructed from its Breakdown: the engine
// holds no mutable state beyond its configured weights, and identical inputs
// always produce identical outputs.
package scoring

import (
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Weights are the per-component multipliers of the final score.
//
// They are not required to sum to 1 and are never normalized; the caller's
// configuration is taken at face value and echoed verbatim into every
// Breakdown for auditability.
type Weights struct {
	Embedding  float64
	Recency    float64
	Popularity float64
}

// Config configures a scoring Engine.
type Config struct {
	Weights Weights

	// DecayDays is the linear recency decay window: content older than this
	// many days scores 0.
	DecayDays int

	// MaxViews is the view count that maps to popularity 1.0.
	MaxViews int64
}

// DefaultConfig returns the default scoring configuration:
// 0.5*similarity + 0.3*recency + 0.2*popularity, 90-day decay,
// 1M views for full popularity.
func DefaultConfig() Config {
	return Config{
		Weights: Weights{
			Embedding:  0.5,
			Recency:    0.3,
			Popularity: 0.2,
		},
		DecayDays: 90,
		MaxViews:  1_000_000,
	}
}

// Breakdown is the structured explanation of a final score.
//
// It is a fixed-shape record: the formula string is generated from the same
// typed fields it describes, so the computed values and their textual
// explanation cannot drift apart.
type Breakdown struct {
	EmbeddingSimilarity float64            `json:"embedding_similarity"`
	RecencyScore        float64            `json:"recency_score"`
	PopularityScore     float64            `json:"popularity_score"`
	Weights             map[string]float64 `json:"weights"`
	Formula             string             `json:"formula"`
}

// Engine computes deterministic, explainable scores.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a scoring Engine. A nil logger disables anomaly logging.
func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.DecayDays <= 0 {
		return nil, fmt.Errorf("scoring: decay days must be positive, got %d", cfg.DecayDays)
	}
	if cfg.MaxViews <= 0 {
		return nil, fmt.Errorf("scoring: max views must be positive, got %d", cfg.MaxViews)
	}
	return &Engine{cfg: cfg, logger: logger}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// RecencyScore computes the linear-decay recency component.
//
// days_old is the whole number of days between createdAt and now; the score
// is clamp(1 - days_old/decayDays, 0, 1). Content from today scores 1.0,
// anything at or past the decay window scores 0, and future timestamps clamp
// to 1.0.
func (e *Engine) RecencyScore(createdAt, now time.Time) float64 {
	daysOld := math.Floor(now.Sub(createdAt).Hours() / 24)
	score := 1 - daysOld/float64(e.cfg.DecayDays)
	return clamp01(score)
}

// PopularityScore computes the log-normalized popularity component:
// clamp(ln(max(views,0)+1) / ln(maxViews+1), 0, 1). Monotonic non-decreasing
// in views with diminishing returns by construction; zero views score 0.
func (e *Engine) PopularityScore(views int64) float64 {
	if views < 0 {
		views = 0
	}
	score := math.Log(float64(views)+1) / math.Log(float64(e.cfg.MaxViews)+1)
	return clamp01(score)
}

// FinalScore combines the three components into a weighted sum.
//
// Each component is clamped to [0,1] first; similarity in particular may
// exceed 1 from floating-point noise. The returned score is unrounded so
// callers can sort without rounding-induced rank inversions; use Round4 for
// presentation.
func (e *Engine) FinalScore(similarity, recency, popularity float64) (float64, Breakdown) {
	similarity = clamp01(similarity)
	recency = clamp01(recency)
	popularity = clamp01(popularity)

	w := e.cfg.Weights
	final := w.Embedding*similarity + w.Recency*recency + w.Popularity*popularity

	breakdown := Breakdown{
		EmbeddingSimilarity: Round4(similarity),
		RecencyScore:        Round4(recency),
		PopularityScore:     Round4(popularity),
		Weights: map[string]float64{
			"embedding":  w.Embedding,
			"recency":    w.Recency,
			"popularity": w.Popularity,
		},
		Formula: fmt.Sprintf("%g * %.4f + %g * %.4f + %g * %.4f",
			w.Embedding, similarity, w.Recency, recency, w.Popularity, popularity),
	}
	return final, breakdown
}

// ScoreItem scores a single candidate from raw inputs.
//
// createdAtText is parsed as an ISO-8601 timestamp (a trailing "Z" reads as
// UTC). An unparseable timestamp is treated as brand new: the current time is
// substituted, yielding recency 1.0, and the anomaly is logged at warning
// level rather than failing the request.
func (e *Engine) ScoreItem(similarity float64, views int64, createdAtText string, now time.Time) (float64, Breakdown) {
	createdAt, err := ParseCreatedAt(createdAtText)
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("unparseable created-at timestamp, treating as new",
				"created_at", createdAtText,
				"error", err,
			)
		}
		createdAt = now
	}

	recency := e.RecencyScore(createdAt, now)
	popularity := e.PopularityScore(views)
	return e.FinalScore(similarity, recency, popularity)
}

// ParseCreatedAt parses an ISO-8601 timestamp, accepting both a timezone
// offset (or literal "Z") and a bare local form without zone.
func ParseCreatedAt(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}

// Round4 rounds a score to 4 decimal digits for presentation.
// Internal comparisons must use unrounded values.
func Round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
