package verification

import (
	"errors"
	"fmt"
	"math"
)

// Default acceptance thresholds.
const (
	DefaultPrimaryThreshold       = 0.6
	DefaultSecondaryThreshold     = 0.3
	DefaultCorroborationThreshold = 0.7
)

// ErrInvalidThresholds is returned by Thresholds.Validate.
var ErrInvalidThresholds = errors.New("invalid acceptance thresholds")

// Thresholds configures the match acceptance rule.
//
// A similarity at or above Primary is accepted outright. A similarity in
// [Secondary, Primary) is accepted only when the liveness confidence is at
// least Corroboration. Anything below Secondary is rejected.
type Thresholds struct {
	Primary       float64
	Secondary     float64
	Corroboration float64
}

// DefaultThresholds returns the default acceptance thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Primary:       DefaultPrimaryThreshold,
		Secondary:     DefaultSecondaryThreshold,
		Corroboration: DefaultCorroborationThreshold,
	}
}

// Validate checks ranges and ordering.
func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"primary":       t.Primary,
		"secondary":     t.Secondary,
		"corroboration": t.Corroboration,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s threshold must be finite", ErrInvalidThresholds, name)
		}
	}
	if t.Primary < -1 || t.Primary > 1 || t.Secondary < -1 || t.Secondary > 1 {
		return fmt.Errorf("%w: similarity thresholds must be within [-1, 1]", ErrInvalidThresholds)
	}
	if t.Secondary > t.Primary {
		return fmt.Errorf("%w: secondary %v exceeds primary %v", ErrInvalidThresholds, t.Secondary, t.Primary)
	}
	if t.Corroboration < 0 || t.Corroboration > 1 {
		return fmt.Errorf("%w: corroboration threshold must be within [0, 1]", ErrInvalidThresholds)
	}
	return nil
}

// AcceptMatch applies the acceptance rule. corroborated is true when the
// match was accepted through the borderline band.
func (t Thresholds) AcceptMatch(similarity, livenessConfidence float64) (accepted, corroborated bool) {
	switch {
	case similarity >= t.Primary:
		return true, false
	case similarity >= t.Secondary && livenessConfidence >= t.Corroboration:
		return true, true
	default:
		return false, false
	}
}
