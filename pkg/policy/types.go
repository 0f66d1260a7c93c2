package policy

import (
	"time"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// Policy is one Rego module.
type Policy struct {
	// Name is the module name, usually the file name without extension.
	Name string `json:"name"`

	// Description is taken from the leading comment block.
	Description string `json:"description,omitempty"`

	// Rego contains the module source.
	Rego string `json:"rego"`

	// Source is the file the module was read from, empty for built-ins.
	Source string `json:"source,omitempty"`

	// LoadedAt is when the module was read.
	LoadedAt time.Time `json:"loaded_at"`
}

// Input is the document evaluated by the authorization rules.
type Input struct {
	Subject    string                 `json:"subject"`
	Role       string                 `json:"role"`
	Action     string                 `json:"action"`
	Time       time.Time              `json:"time"`
	Instrument *instrument.Instrument `json:"instrument,omitempty"`
}

// Decision is the result of evaluating an Input.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}
