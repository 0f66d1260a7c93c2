package policy

import (
	"time"
)

// builtinRego is in force until policy files are loaded.
const builtinRego = `package liveprobe.authz

import rego.v1

# Role based defaults for the live instrumentation control plane.

default allow := false

allow if input.role == "admin"

allow if {
	input.role == "developer"
	input.action in {"add", "remove", "view"}
}

allow if {
	input.role == "viewer"
	input.action == "view"
}

deny contains msg if {
	input.action == "add"
	input.instrument.throttle.step == "second"
	input.instrument.throttle.limit > 1000
	msg := sprintf("throttle of %d hits per second exceeds 1000", [input.instrument.throttle.limit])
}
`

// BuiltinPolicies returns the modules used when no policy files are configured.
func BuiltinPolicies() []Policy {
	return []Policy{{
		Name:        "builtin-authz",
		Description: "Role based defaults for the live instrumentation control plane.",
		Rego:        builtinRego,
		LoadedAt:    time.Now(),
	}}
}
