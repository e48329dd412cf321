// Package suspend implements signal-driven suspenders: a policy decides whether
// a signal value is out of bounds, and a Suspender turns the stream of values
// into debounced suspend/resume intents for the run engine.
package suspend

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidPolicy is returned for policies with unusable thresholds.
var ErrInvalidPolicy = errors.New("invalid suspend policy")

// Kind identifies a policy variant.
type Kind int

const (
	// KindBoolHigh trips while the signal is non-zero.
	KindBoolHigh Kind = iota + 1
	// KindBoolLow trips while the signal is zero.
	KindBoolLow
	// KindFloor trips below the threshold.
	KindFloor
	// KindCeil trips above the threshold.
	KindCeil
	// KindInBand trips outside [Low, High].
	KindInBand
	// KindOutBand trips inside (Low, High).
	KindOutBand
)

var kindNames = map[Kind]string{
	KindBoolHigh: "bool_high",
	KindBoolLow:  "bool_low",
	KindFloor:    "floor",
	KindCeil:     "ceil",
	KindInBand:   "in_band",
	KindOutBand:  "out_band",
}

// String implements fmt.Stringer for Kind.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(k))
}

// ParseKind accepts the names produced by Kind.String, case-insensitively,
// with or without separators ("InBand", "in-band", "in_band").
func ParseKind(s string) (Kind, error) {
	norm := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(s))
	for k, name := range kindNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrInvalidPolicy, s)
}

// Policy is a closed set of predicates over a signal value. Parameters are
// fixed at construction.
type Policy struct {
	kind      Kind
	threshold float64
	low       float64
	high      float64
	resume    float64
}

// BoolHigh suspends while the signal is non-zero.
func BoolHigh() Policy { return Policy{kind: KindBoolHigh} }

// BoolLow suspends while the signal is zero.
func BoolLow() Policy { return Policy{kind: KindBoolLow} }

// Floor suspends while the signal is below threshold.
func Floor(threshold float64) (Policy, error) {
	return FloorWithResume(threshold, threshold)
}

// FloorWithResume suspends below threshold and only begins settling once the
// signal reaches resumeAt, which must not be below threshold.
func FloorWithResume(threshold, resumeAt float64) (Policy, error) {
	p := Policy{kind: KindFloor, threshold: threshold, resume: resumeAt}
	return p, p.Validate()
}

// Ceil suspends while the signal is above threshold.
func Ceil(threshold float64) (Policy, error) {
	return CeilWithResume(threshold, threshold)
}

// CeilWithResume suspends above threshold and only begins settling once the
// signal falls to resumeAt, which must not be above threshold.
func CeilWithResume(threshold, resumeAt float64) (Policy, error) {
	p := Policy{kind: KindCeil, threshold: threshold, resume: resumeAt}
	return p, p.Validate()
}

// InBand suspends while the signal is outside [low, high].
func InBand(low, high float64) (Policy, error) {
	p := Policy{kind: KindInBand, low: low, high: high}
	return p, p.Validate()
}

// OutBand suspends while the signal is strictly inside (low, high).
func OutBand(low, high float64) (Policy, error) {
	p := Policy{kind: KindOutBand, low: low, high: high}
	return p, p.Validate()
}

// Kind returns the variant.
func (p Policy) Kind() Kind { return p.kind }

// Threshold returns the Floor/Ceil trip threshold.
func (p Policy) Threshold() float64 { return p.threshold }

// ResumeThreshold returns the Floor/Ceil resume threshold.
func (p Policy) ResumeThreshold() float64 { return p.resume }

// Band returns the InBand/OutBand bounds.
func (p Policy) Band() (low, high float64) { return p.low, p.high }

// Validate checks the parameters for the policy's kind.
func (p Policy) Validate() error {
	switch p.kind {
	case KindBoolHigh, KindBoolLow:
		return nil
	case KindFloor:
		if math.IsNaN(p.threshold) || math.IsNaN(p.resume) {
			return fmt.Errorf("%w: floor threshold is NaN", ErrInvalidPolicy)
		}
		if p.resume < p.threshold {
			return fmt.Errorf("%w: floor resume %g below threshold %g", ErrInvalidPolicy, p.resume, p.threshold)
		}
		return nil
	case KindCeil:
		if math.IsNaN(p.threshold) || math.IsNaN(p.resume) {
			return fmt.Errorf("%w: ceil threshold is NaN", ErrInvalidPolicy)
		}
		if p.resume > p.threshold {
			return fmt.Errorf("%w: ceil resume %g above threshold %g", ErrInvalidPolicy, p.resume, p.threshold)
		}
		return nil
	case KindInBand, KindOutBand:
		if math.IsNaN(p.low) || math.IsNaN(p.high) {
			return fmt.Errorf("%w: band bound is NaN", ErrInvalidPolicy)
		}
		if p.low > p.high {
			return fmt.Errorf("%w: band low %g above high %g", ErrInvalidPolicy, p.low, p.high)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidPolicy, int(p.kind))
	}
}

// Trip reports whether v is out of policy. Boundary values are always on the
// safe side. NaN never trips.
func (p Policy) Trip(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	switch p.kind {
	case KindBoolHigh:
		return v != 0
	case KindBoolLow:
		return v == 0
	case KindFloor:
		return v < p.threshold
	case KindCeil:
		return v > p.threshold
	case KindInBand:
		return v < p.low || v > p.high
	case KindOutBand:
		return p.low < v && v < p.high
	default:
		return false
	}
}

// Resumes reports whether a tripped suspender may start settling on v. Without
// hysteresis this is exactly !Trip(v). NaN never resumes.
func (p Policy) Resumes(v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	switch p.kind {
	case KindFloor:
		return v >= p.resume
	case KindCeil:
		return v <= p.resume
	default:
		return !p.Trip(v)
	}
}

// String describes the policy for logs and suspend reasons.
func (p Policy) String() string {
	switch p.kind {
	case KindBoolHigh, KindBoolLow:
		return p.kind.String()
	case KindFloor, KindCeil:
		if p.resume != p.threshold {
			return fmt.Sprintf("%s(%g, resume=%g)", p.kind, p.threshold, p.resume)
		}
		return fmt.Sprintf("%s(%g)", p.kind, p.threshold)
	case KindInBand, KindOutBand:
		return fmt.Sprintf("%s(%g, %g)", p.kind, p.low, p.high)
	default:
		return p.kind.String()
	}
}

// Describe explains why v trips the policy.
func (p Policy) Describe(v float64) string {
	switch p.kind {
	case KindBoolHigh:
		return fmt.Sprintf("signal is high (%g)", v)
	case KindBoolLow:
		return "signal is low (0)"
	case KindFloor:
		return fmt.Sprintf("signal %g below floor %g", v, p.threshold)
	case KindCeil:
		return fmt.Sprintf("signal %g above ceiling %g", v, p.threshold)
	case KindInBand:
		return fmt.Sprintf("signal %g outside band [%g, %g]", v, p.low, p.high)
	case KindOutBand:
		return fmt.Sprintf("signal %g inside excluded band (%g, %g)", v, p.low, p.high)
	default:
		return fmt.Sprintf("signal %g out of policy", v)
	}
}
