package probe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/liveprobe/liveprobe/pkg/bridge"
	"github.com/liveprobe/liveprobe/pkg/condition"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/protocol"
	"github.com/liveprobe/liveprobe/pkg/telemetry"
)

// AgentConfig configures the reference agent.
type AgentConfig struct {
	URL               string            `yaml:"url" validate:"required"`
	ProbeID           string            `yaml:"probe_id" validate:"required"`
	Token             string            `yaml:"token"`
	Codec             string            `yaml:"codec" validate:"omitempty,oneof=json cbor"`
	Metadata          map[string]string `yaml:"metadata"`
	ReconnectDelay    time.Duration     `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration     `yaml:"max_reconnect_delay"`
	SweepInterval     time.Duration     `yaml:"sweep_interval"`
	SendTimeout       time.Duration     `yaml:"send_timeout"`
	Capture           CaptureLimits     `yaml:"capture"`
	MaxSteps          uint64            `yaml:"max_steps"`
}

// DefaultAgentConfig returns the agent defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		URL:               "ws://localhost:8080/bridge",
		Codec:             "json",
		ReconnectDelay:    2 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		SweepInterval:     5 * time.Second,
		SendTimeout:       5 * time.Second,
		Capture:           DefaultCaptureLimits(),
		MaxSteps:          condition.DefaultMaxSteps,
	}
}

// Agent connects an enforcement registry to the control plane. It applies
// commands received over the bridge and reports lifecycle changes and hits.
type Agent struct {
	cfg      AgentConfig
	codec    protocol.Codec
	registry *Registry
	logger   zerolog.Logger

	mu     sync.RWMutex
	client *bridge.Client
}

// NewAgent creates an agent around weaver.
func NewAgent(cfg AgentConfig, weaver Weaver, logger zerolog.Logger, metrics *telemetry.Metrics) (*Agent, error) {
	if cfg.URL == "" {
		return nil, errors.New("agent: bridge url is required")
	}
	if cfg.ProbeID == "" {
		return nil, errors.New("agent: probe id is required")
	}
	if weaver == nil {
		return nil, errors.New("agent: weaver is required")
	}
	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("agent: %w", err)
	}

	d := DefaultAgentConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = d.ReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = d.MaxReconnectDelay
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = d.SendTimeout
	}

	a := &Agent{
		cfg:    cfg,
		codec:  codec,
		logger: logger.With().Str("component", "agent").Str("probe_id", cfg.ProbeID).Logger(),
	}
	a.registry = NewRegistry(Options{
		ProbeID:   cfg.ProbeID,
		Weaver:    weaver,
		Reporter:  a,
		Evaluator: condition.NewEvaluator(cfg.MaxSteps),
		Capture:   cfg.Capture,
		Logger:    logger,
		Metrics:   metrics,
	})
	return a, nil
}

// Registry returns the agent's enforcement registry.
func (a *Agent) Registry() *Registry {
	return a.registry
}

// Connected reports whether the agent has a live bridge connection.
func (a *Agent) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client != nil
}

// Run keeps a bridge session open until ctx is done, reconnecting with
// exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	go a.registry.Run(ctx, a.cfg.SweepInterval)

	delay := a.cfg.ReconnectDelay
	for {
		established, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if established {
			delay = a.cfg.ReconnectDelay
		}
		a.logger.Warn().Err(err).Dur("retry_in", delay).Msg("bridge session ended")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > a.cfg.MaxReconnectDelay {
			delay = a.cfg.MaxReconnectDelay
		}
	}
}

// session runs one connection. established reports whether the
// announcement and registration went through.
func (a *Agent) session(ctx context.Context) (established bool, err error) {
	client, err := bridge.Dial(ctx, a.cfg.URL, bridge.DialOptions{Codec: a.codec})
	if err != nil {
		return false, err
	}
	defer client.Close()

	ann := &protocol.Announcement{ProbeID: a.cfg.ProbeID, Metadata: a.cfg.Metadata}
	if err := client.Announce(ctx, ann, a.cfg.Token); err != nil {
		return false, fmt.Errorf("failed to announce: %w", err)
	}
	if err := client.Register(ctx, protocol.AddressInstrumentCommand); err != nil {
		return false, fmt.Errorf("failed to register for commands: %w", err)
	}
	if err := client.Sync(ctx); err != nil {
		return false, fmt.Errorf("bridge refused session: %w", err)
	}

	a.setClient(client)
	defer a.setClient(nil)
	a.logger.Info().Str("url", a.cfg.URL).Msg("connected to control plane")

	// Report what survived the reconnect so the control plane can
	// reconcile it.
	for _, inst := range a.registry.List() {
		a.InstrumentApplied(inst)
	}

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case f, ok := <-client.Frames():
			if !ok {
				return true, client.Err()
			}
			a.handleFrame(ctx, f)
		}
	}
}

func (a *Agent) setClient(c *bridge.Client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = c
}

func (a *Agent) handleFrame(ctx context.Context, f *protocol.Frame) {
	switch f.Type {
	case protocol.FrameTypeError:
		var reply protocol.ErrorReply
		if err := protocol.DecodeBody(a.codec, f, &reply); err == nil {
			a.logger.Warn().Str("code", reply.Code).Str("address", reply.Address).Msg(reply.Message)
		}
		return
	case protocol.FrameTypeMessage:
	default:
		return
	}
	if f.Address != protocol.AddressInstrumentCommand {
		return
	}

	var cmd protocol.Command
	if err := protocol.DecodeBody(a.codec, f, &cmd); err != nil {
		a.logger.Warn().Err(err).Msg("failed to decode command")
		return
	}
	if err := cmd.Validate(); err != nil {
		a.logger.Warn().Err(err).Msg("invalid command")
		return
	}
	a.HandleCommand(ctx, &cmd)
}

// HandleCommand applies a control plane command to the registry.
func (a *Agent) HandleCommand(ctx context.Context, cmd *protocol.Command) {
	switch cmd.Type {
	case protocol.CommandAddInstruments:
		for _, inst := range cmd.Instruments {
			a.install(ctx, inst)
		}
	case protocol.CommandRemoveInstruments:
		for _, id := range cmd.InstrumentIDs {
			if err := a.registry.Remove(ctx, id); err != nil {
				a.logger.Warn().Err(err).Str("instrument_id", id).Msg("failed to remove instrument")
			}
		}
		for _, loc := range cmd.Locations {
			if err := a.registry.RemoveAt(ctx, loc); err != nil {
				a.logger.Warn().Err(err).Str("location", loc.Key()).Msg("failed to remove instrument")
			}
		}
	case protocol.CommandClearInstruments:
		n := a.registry.ClearAll(ctx)
		a.logger.Info().Int("removed", n).Msg("cleared instruments")
	}
}

func (a *Agent) install(ctx context.Context, inst *instrument.Instrument) {
	id, created, err := a.registry.Install(ctx, inst)
	switch {
	case err != nil:
		a.logger.Warn().Err(err).Str("instrument_id", inst.ID).Msg("failed to install instrument")
		a.InstrumentFailed(inst, err)
	case id == "":
		// Already expired; the removal was reported.
	case !created && id == inst.ID:
		// Re-sent after a reconnect.
		a.InstrumentApplied(inst)
	case !created:
		a.InstrumentFailed(inst, instrument.NewConflictError(id, inst.Location))
	}
}

// InstrumentApplied implements Reporter.
func (a *Agent) InstrumentApplied(inst *instrument.Instrument) {
	a.send(protocol.AddressInstrumentApplied, a.report(inst))
}

// InstrumentRemoved implements Reporter.
func (a *Agent) InstrumentRemoved(inst *instrument.Instrument, cause instrument.RemovalCause) {
	r := a.report(inst)
	r.Cause = cause
	a.send(protocol.AddressInstrumentRemoved, r)
}

// InstrumentHit implements Reporter.
func (a *Agent) InstrumentHit(hit *instrument.Hit) {
	a.send(protocol.AddressInstrumentHit, hit)
}

// InstrumentFailed implements Reporter.
func (a *Agent) InstrumentFailed(inst *instrument.Instrument, err error) {
	r := a.report(inst)
	r.Code = instrument.CodeOf(err)
	r.Error = err.Error()
	a.send(protocol.AddressInstrumentError, r)
}

func (a *Agent) report(inst *instrument.Instrument) *protocol.StatusReport {
	return &protocol.StatusReport{
		InstrumentID: inst.ID,
		Kind:         inst.Kind,
		Location:     inst.Location,
		OccurredAt:   time.Now().UTC(),
	}
}

// send drops v when no session is open.
func (a *Agent) send(address string, v any) {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		a.logger.Debug().Str("address", address).Msg("not connected, dropping report")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
	defer cancel()
	if err := client.Send(ctx, address, v); err != nil {
		a.logger.Warn().Err(err).Str("address", address).Msg("failed to send report")
	}
}
