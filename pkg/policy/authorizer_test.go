package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveprobe/liveprobe/pkg/auth"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/registry"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

func newTestAuthorizer(t *testing.T) *Authorizer {
	t.Helper()
	a, err := NewAuthorizer(context.Background(), zerolog.Nop(), nil)
	require.NoError(t, err)
	return a
}

func sampleInstrument() *instrument.Instrument {
	return &instrument.Instrument{
		ID:       "bp-1",
		Kind:     instrument.KindBreakpoint,
		Location: instrument.Location{Source: "src/app/handler.go", Line: 42},
		Throttle: instrument.DefaultThrottle(),
	}
}

func TestBuiltinPolicyRoles(t *testing.T) {
	a := newTestAuthorizer(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		role   auth.Role
		action registry.Action
		allow  bool
	}{
		{"admin adds", auth.RoleAdmin, registry.ActionAdd, true},
		{"developer adds", auth.RoleDeveloper, registry.ActionAdd, true},
		{"developer removes", auth.RoleDeveloper, registry.ActionRemove, true},
		{"viewer views", auth.RoleViewer, registry.ActionView, true},
		{"viewer cannot add", auth.RoleViewer, registry.ActionAdd, false},
		{"viewer cannot remove", auth.RoleViewer, registry.ActionRemove, false},
		{"agent cannot add", auth.RoleAgent, registry.ActionAdd, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Authorize(ctx, auth.Identity{Subject: "alice", Role: tt.role}, tt.action, sampleInstrument())
			if tt.allow {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, instrument.IsPermissionDenied(err))
		})
	}
}

func TestBuiltinPolicyDeniesExcessiveThrottle(t *testing.T) {
	a := newTestAuthorizer(t)
	inst := sampleInstrument()
	inst.Throttle = instrument.Throttle{Limit: 5000, Step: instrument.StepSecond}

	d, err := a.Decide(context.Background(), Input{Subject: "root", Role: "admin", Action: "add", Instrument: inst})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.Len(t, d.Reasons, 1)
	assert.Contains(t, d.Reasons[0], "5000")

	err = a.Authorize(context.Background(), auth.Identity{Subject: "root", Role: auth.RoleAdmin}, registry.ActionAdd, inst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 1000")
}

func TestLoadCustomPolicy(t *testing.T) {
	a := newTestAuthorizer(t)
	ctx := context.Background()

	err := a.Load(ctx, []Policy{{
		Name: "vendor",
		Rego: `package liveprobe.authz

import rego.v1

default allow := true

deny contains "vendored code cannot be instrumented" if {
	input.action == "add"
	startswith(input.instrument.location.source, "vendor/")
}
`,
	}})
	require.NoError(t, err)
	assert.Len(t, a.Policies(), 1)

	viewer := auth.Identity{Subject: "bob", Role: auth.RoleViewer}
	assert.NoError(t, a.Authorize(ctx, viewer, registry.ActionAdd, sampleInstrument()))

	inst := sampleInstrument()
	inst.Location.Source = "vendor/lib/x.go"
	err = a.Authorize(ctx, viewer, registry.ActionAdd, inst)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vendored code")
}

func TestLoadRejectsBrokenPolicies(t *testing.T) {
	a := newTestAuthorizer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		policies []Policy
	}{
		{"empty set", nil},
		{"syntax error", []Policy{{Name: "bad", Rego: "package liveprobe.authz\n\nallow if {"}}},
		{"wrong package", []Policy{{Name: "other", Rego: "package other\n\nimport rego.v1\n\nallow := true\n"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, a.Load(ctx, tt.policies))
			// The built-in policies stay in force.
			assert.Equal(t, "builtin-authz", a.Policies()[0].Name)
			assert.NoError(t, a.Authorize(ctx, auth.Identity{Subject: "alice", Role: auth.RoleDeveloper}, registry.ActionAdd, sampleInstrument()))
		})
	}
}

func TestLoadPublishesReloadEvent(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	require.NoError(t, err)
	var got []telemetry.Event
	events.Subscribe(func(ev telemetry.Event) { got = append(got, ev) }, telemetry.FilterByType(telemetry.EventTypePolicyReloaded))

	_, err = NewAuthorizer(context.Background(), zerolog.Nop(), events)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "policy", got[0].Source)
}

func TestLoaderReadsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "authz.rego"), []byte(`# Team access rules
# for production.
package liveprobe.authz

import rego.v1

default allow := false
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "helpers.rego"), []byte("package liveprobe.helpers\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "authz_test.rego"), []byte("package liveprobe.authz_test\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("docs"), 0o644))

	policies, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "authz", policies[0].Name)
	assert.Equal(t, "Team access rules for production.", policies[0].Description)
	assert.Equal(t, "helpers", policies[1].Name)

	_, err = NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestLoadPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authz.rego")
	require.NoError(t, os.WriteFile(path, []byte("package liveprobe.authz\n\nimport rego.v1\n\ndefault allow := false\n"), 0o644))

	a := newTestAuthorizer(t)
	require.NoError(t, a.LoadPaths(context.Background(), []string{path}))

	err := a.Authorize(context.Background(), auth.Identity{Subject: "root", Role: auth.RoleAdmin}, registry.ActionView, nil)
	assert.True(t, instrument.IsPermissionDenied(err))
}
