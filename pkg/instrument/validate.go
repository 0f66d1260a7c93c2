package instrument

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Normalize fills defaults on a freshly submitted instrument.
func (i *Instrument) Normalize() {
	i.Location.Source = strings.TrimSpace(i.Location.Source)
	i.Condition = strings.TrimSpace(i.Condition)
	// A decoded throttle always has a step, so an empty one means none was given.
	if i.Throttle.Step == "" {
		if i.Throttle.Limit == 0 {
			i.Throttle = DefaultThrottle()
		} else {
			i.Throttle.Step = StepSecond
		}
	}
	if i.Kind == KindMeter && i.Meter != nil && i.Meter.MeterKind == "" {
		i.Meter.MeterKind = MeterCount
	}
}

// Validate checks the instrument's structure.
func (i *Instrument) Validate() error {
	if err := validate.Struct(i); err != nil {
		return NewValidationError("invalid instrument", err)
	}
	if i.Location.Line == 0 && i.Location.Symbol == "" {
		return NewValidationError("location requires a line or a symbol", nil)
	}
	switch i.Kind {
	case KindLog:
		if n := strings.Count(i.Log.Format, "{}"); n != len(i.Log.Arguments) {
			return NewValidationError(
				fmt.Sprintf("log format has %d placeholders but %d arguments", n, len(i.Log.Arguments)), nil)
		}
	case KindBreakpoint:
		if i.Log != nil || i.Meter != nil {
			return NewValidationError("breakpoint must not carry a log or meter payload", nil)
		}
	}
	return nil
}
