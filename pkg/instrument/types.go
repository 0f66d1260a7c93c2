// Package instrument defines the data model shared by the control plane and
// the remote agents: instruments, their locations, throttles, hits and the
// lifecycle events that flow between components.
package instrument

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the instrument variant.
type Kind string

const (
	// KindBreakpoint captures stack frames and variables when hit.
	KindBreakpoint Kind = "breakpoint"
	// KindLog emits a formatted message when hit.
	KindLog Kind = "log"
	// KindMeter records a metric value when hit.
	KindMeter Kind = "meter"
)

// Validate checks if the kind is known.
func (k Kind) Validate() error {
	switch k {
	case KindBreakpoint, KindLog, KindMeter:
		return nil
	default:
		return fmt.Errorf("unknown instrument kind: %s", k)
	}
}

// Status is the control-plane view of an instrument's lifecycle.
type Status string

const (
	// StatusPending means no remote has acknowledged the instrument yet.
	StatusPending Status = "pending"
	// StatusActive means at least one remote installed the instrument.
	StatusActive Status = "active"
	// StatusRemoved is terminal.
	StatusRemoved Status = "removed"
)

// Location is the code position an instrument is attached to.
// Two instruments with equal locations are duplicates.
type Location struct {
	Source string `json:"source" validate:"required"`
	Line   int    `json:"line,omitempty" validate:"gte=0"`
	Symbol string `json:"symbol,omitempty"`
}

// Key returns the canonical dedup key for the location.
func (l Location) Key() string {
	if l.Symbol != "" {
		return l.Source + "#" + l.Symbol
	}
	return fmt.Sprintf("%s:%d", l.Source, l.Line)
}

// String implements fmt.Stringer.
func (l Location) String() string {
	return l.Key()
}

// IsZero reports whether the location is unset.
func (l Location) IsZero() bool {
	return l.Source == "" && l.Line == 0 && l.Symbol == ""
}

// ParseLocation parses the output of Location.Key.
func ParseLocation(s string) (Location, error) {
	if i := strings.LastIndex(s, "#"); i > 0 {
		return Location{Source: s[:i], Symbol: s[i+1:]}, nil
	}
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return Location{}, fmt.Errorf("invalid location %q", s)
	}
	var line int
	if _, err := fmt.Sscanf(s[i+1:], "%d", &line); err != nil {
		return Location{}, fmt.Errorf("invalid location line %q: %w", s, err)
	}
	return Location{Source: s[:i], Line: line}, nil
}

// ThrottleStep is the length of a throttle window.
type ThrottleStep string

const (
	StepSecond ThrottleStep = "second"
	StepMinute ThrottleStep = "minute"
	StepHour   ThrottleStep = "hour"
)

// Duration returns the window length.
func (s ThrottleStep) Duration() time.Duration {
	switch s {
	case StepMinute:
		return time.Minute
	case StepHour:
		return time.Hour
	default:
		return time.Second
	}
}

// Throttle limits how many hits fire per window.
// A Limit of zero means the instrument never fires.
type Throttle struct {
	Limit int          `json:"limit" validate:"gte=0"`
	Step  ThrottleStep `json:"step" validate:"oneof=second minute hour"`
}

// UnmarshalJSON defaults Step to seconds. A throttle object that is present
// but has no step keeps its limit, so {"limit":0} stays disabled.
func (t *Throttle) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	type plain Throttle
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	if p.Step == "" {
		p.Step = StepSecond
	}
	*t = Throttle(p)
	return nil
}

// DefaultThrottle allows one hit per second.
func DefaultThrottle() Throttle {
	return Throttle{Limit: 1, Step: StepSecond}
}

// LogSpec is the payload of a log instrument.
type LogSpec struct {
	// Format uses "{}" placeholders filled by Arguments in order.
	Format    string   `json:"format" validate:"required"`
	Arguments []string `json:"arguments,omitempty"`
}

// MeterKind is the type of metric a meter instrument records.
type MeterKind string

const (
	MeterCount     MeterKind = "count"
	MeterGauge     MeterKind = "gauge"
	MeterHistogram MeterKind = "histogram"
)

// MeterSpec is the payload of a meter instrument.
type MeterSpec struct {
	Name      string    `json:"name" validate:"required"`
	MeterKind MeterKind `json:"meter_kind" validate:"oneof=count gauge histogram"`
	// Value is an expression evaluated against the hit snapshot.
	// Empty means a constant 1.
	Value string `json:"value,omitempty"`
}

// Meta is hit and lifecycle bookkeeping kept by the control plane.
type Meta struct {
	HitCount   int64      `json:"hit_count"`
	FirstHitAt *time.Time `json:"first_hit_at,omitempty"`
	LastHitAt  *time.Time `json:"last_hit_at,omitempty"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
	RemovedAt  *time.Time `json:"removed_at,omitempty"`
	// AppliedBy lists the probe ids that acknowledged the instrument.
	AppliedBy []string `json:"applied_by,omitempty"`
}

// Instrument is a breakpoint, log or meter attached to a location.
type Instrument struct {
	ID       string   `json:"id"`
	Kind     Kind     `json:"kind" validate:"required,oneof=breakpoint log meter"`
	Location Location `json:"location"`

	Condition        string     `json:"condition,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	HitLimit         int        `json:"hit_limit,omitempty" validate:"gte=0"`
	Throttle         Throttle   `json:"throttle"`
	ApplyImmediately bool       `json:"apply_immediately,omitempty"`

	Log   *LogSpec   `json:"log,omitempty" validate:"required_if=Kind log"`
	Meter *MeterSpec `json:"meter,omitempty" validate:"required_if=Kind meter"`

	Status    Status    `json:"status"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Meta      Meta      `json:"meta"`
}

// Pending reports whether no remote has acknowledged the instrument yet.
func (i *Instrument) Pending() bool {
	return i.Status == StatusPending
}

// Expired reports whether the instrument's expiry is at or before now.
func (i *Instrument) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// SameTrigger reports whether two instruments at the same location would
// fire under the same conditions.
func (i *Instrument) SameTrigger(other *Instrument) bool {
	return i.Kind == other.Kind &&
		strings.TrimSpace(i.Condition) == strings.TrimSpace(other.Condition)
}

// Clone returns a deep copy.
func (i *Instrument) Clone() *Instrument {
	c := *i
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		c.ExpiresAt = &t
	}
	if i.Log != nil {
		l := *i.Log
		l.Arguments = append([]string(nil), i.Log.Arguments...)
		c.Log = &l
	}
	if i.Meter != nil {
		m := *i.Meter
		c.Meter = &m
	}
	c.Meta.AppliedBy = append([]string(nil), i.Meta.AppliedBy...)
	return &c
}

// StackFrame is one frame of a captured call stack.
type StackFrame struct {
	Function string `json:"function"`
	Source   string `json:"source"`
	Line     int    `json:"line"`
}

// Hit is the structured record produced when an instrument fires.
type Hit struct {
	InstrumentID string    `json:"instrument_id"`
	Kind         Kind      `json:"kind"`
	Location     Location  `json:"location"`
	OccurredAt   time.Time `json:"occurred_at"`
	ProbeID      string    `json:"probe_id,omitempty"`
	Thread       string    `json:"thread,omitempty"`

	// Breakpoint payload.
	Frames    []StackFrame   `json:"frames,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`

	// Log payload.
	Message   string `json:"message,omitempty"`
	Arguments []any  `json:"arguments,omitempty"`

	// Meter payload.
	MeterName string    `json:"meter_name,omitempty"`
	MeterKind MeterKind `json:"meter_kind,omitempty"`
	Value     float64   `json:"value"`
}
