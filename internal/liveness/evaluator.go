// Package liveness turns an external liveness score into a pass/fail decision.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// DefaultThreshold is the minimum confidence for a sequence to pass.
const DefaultThreshold = 0.5

// MinSequenceLength is the shortest sequence that can establish liveness.
const MinSequenceLength = 2

// ErrInvalidThreshold is returned for thresholds outside [0, 1].
var ErrInvalidThreshold = errors.New("liveness threshold must be within [0, 1]")

// Scorer is the external liveness capability. It maps an ordered image
// sequence to a confidence in [0, 1].
type Scorer interface {
	Score(ctx context.Context, sequence [][]byte) (float64, error)
}

// Result is the evaluator's verdict.
type Result struct {
	Passed     bool    `json:"passed"`
	Confidence float64 `json:"confidence"`
	// Scored is false when the sequence was rejected without consulting the scorer.
	Scored bool `json:"scored"`
}

// Evaluator applies the pass threshold to the scorer's confidence.
type Evaluator struct {
	scorer    Scorer
	threshold float64
}

// NewEvaluator creates an Evaluator with the given threshold.
func NewEvaluator(scorer Scorer, threshold float64) (*Evaluator, error) {
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidThreshold, threshold)
	}
	return &Evaluator{
		scorer:    scorer,
		threshold: threshold,
	}, nil
}

// Threshold returns the configured pass threshold.
func (e *Evaluator) Threshold() float64 {
	return e.threshold
}

// Evaluate scores the sequence. Sequences shorter than MinSequenceLength fail
// with confidence 0 and the scorer is not called.
func (e *Evaluator) Evaluate(ctx context.Context, sequence [][]byte) (Result, error) {
	if len(sequence) < MinSequenceLength {
		return Result{}, nil
	}

	confidence, err := e.scorer.Score(ctx, sequence)
	if err != nil {
		return Result{}, fmt.Errorf("failed to score liveness: %w", err)
	}
	confidence = clamp(confidence)

	return Result{
		Passed:     confidence >= e.threshold,
		Confidence: confidence,
		Scored:     true,
	}, nil
}

// clamp bounds a scorer value to [0, 1]; NaN is treated as no evidence.
func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
