// Package policy authorizes control plane operations with Open Policy Agent.
//
// Every add, remove and view request is evaluated against the Rego package
// liveprobe.authz. The package must define a boolean allow rule and may
// define a deny set of messages:
//
//	package liveprobe.authz
//
//	import rego.v1
//
//	default allow := false
//
//	allow if input.role == "admin"
//
//	deny contains msg if {
//	    input.action == "add"
//	    startswith(input.instrument.location.source, "vendor/")
//	    msg := "vendored code cannot be instrumented"
//	}
//
// A request is permitted when allow is true and deny is empty. Evaluation
// errors deny the request.
//
// The input document has the fields subject, role, action, time and, for
// add and remove, instrument in its JSON form.
//
// When no policy files are configured a built-in module grants admins
// everything, developers add, remove and view, and viewers view only.
//
// # Hot reload
//
// Watcher observes policy files and directories with fsnotify and reloads
// the Authorizer after changes settle. A module that fails to compile is
// logged and the previous policies stay in force.
package policy
