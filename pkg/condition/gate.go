package condition

import (
	"sync/atomic"
	"time"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// Outcome is the result of checking a candidate hit.
type Outcome int

const (
	// Fire means the hit should be captured.
	Fire Outcome = iota
	// ConditionFalse means the condition evaluated to false.
	ConditionFalse
	// Throttled means the throttle window is exhausted.
	Throttled
	// ConditionFailed means the condition could not be evaluated.
	ConditionFailed
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Fire:
		return "fire"
	case ConditionFalse:
		return "condition_false"
	case Throttled:
		return "throttled"
	case ConditionFailed:
		return "condition_failed"
	default:
		return "unknown"
	}
}

// Gate decides whether a hit on one instrument fires.
// The condition is checked before the throttle so that false conditions
// do not consume the window.
type Gate struct {
	id        string
	evaluator *Evaluator
	condition *Expr
	throttle  *HitThrottle
	reported  atomic.Bool
}

// NewGate builds a gate for inst. It fails if the condition does not parse.
func NewGate(inst *instrument.Instrument, evaluator *Evaluator, now func() time.Time) (*Gate, error) {
	g := &Gate{
		id:        inst.ID,
		evaluator: evaluator,
		throttle:  NewHitThrottle(inst.Throttle, now),
	}
	if inst.Condition != "" {
		expr, err := evaluator.Compile(inst.Condition)
		if err != nil {
			return nil, instrument.NewValidationError("invalid condition", err).WithInstrument(inst.ID)
		}
		g.condition = expr
	}
	return g, nil
}

// Check evaluates the candidate hit. Evaluation failures are fail-closed;
// the returned error is non-nil only for the first failure so callers
// report it once per instrument.
func (g *Gate) Check(snap *Snapshot) (Outcome, error) {
	if g.condition != nil {
		ok, err := g.evaluator.Test(g.condition, snap)
		if err != nil {
			if g.reported.CompareAndSwap(false, true) {
				return ConditionFailed, instrument.NewConditionEvaluationError(g.id, err)
			}
			return ConditionFailed, nil
		}
		if !ok {
			return ConditionFalse, nil
		}
	}
	if g.throttle.IsRateLimited() {
		return Throttled, nil
	}
	return Fire, nil
}

// Limited returns the number of throttled hits.
func (g *Gate) Limited() int64 {
	return g.throttle.Limited()
}
