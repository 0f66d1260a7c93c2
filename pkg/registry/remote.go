package registry

import (
	"context"

	"github.com/google/uuid"

	"github.com/liveprobe/liveprobe/pkg/bridge"
	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/protocol"
)

// Attach wires the registry to the bridge: agent reports update instrument
// state, and agents registering for commands receive every live instrument.
func (r *Registry) Attach(b *bridge.Bridge) {
	b.Handle(protocol.AddressInstrumentApplied, r.handleApplied)
	b.Handle(protocol.AddressInstrumentRemoved, r.handleRemoved)
	b.Handle(protocol.AddressInstrumentHit, r.handleHit)
	b.Handle(protocol.AddressInstrumentError, r.handleError)
	b.OnConnect(r.probeConnected)
	b.OnDisconnect(r.probeDisconnected)
	b.OnRegister(r.probeRegistered)
}

func (r *Registry) handleApplied(ctx context.Context, msg *bridge.Message) error {
	var report protocol.StatusReport
	if err := msg.Decode(&report); err != nil {
		return instrument.NewValidationError("invalid applied report", err)
	}
	probeID := msg.Identity.ProbeID
	now := r.now().UTC()

	r.mu.Lock()
	inst, ok := r.byID[report.InstrumentID]
	if !ok {
		r.mu.Unlock()
		// The agent holds something we no longer track.
		r.logger.Debug().
			Str("instrument_id", report.InstrumentID).
			Str("probe_id", probeID).
			Msg("applied report for unknown instrument, removing")
		cmd := &protocol.Command{Type: protocol.CommandRemoveInstruments, InstrumentIDs: []string{report.InstrumentID}}
		if err := r.sendTo(ctx, msg.Identity.ConnectionID, cmd); err != nil {
			r.logger.Warn().Err(err).Str("probe_id", probeID).Msg("failed to send remove command")
		}
		return nil
	}

	first := inst.Pending()
	inst.Status = instrument.StatusActive
	if inst.Meta.AppliedAt == nil {
		inst.Meta.AppliedAt = &now
	}
	if !contains(inst.Meta.AppliedBy, probeID) {
		inst.Meta.AppliedBy = append(inst.Meta.AppliedBy, probeID)
	}
	snapshot := inst.Clone()
	r.notifyAppliedLocked(inst.ID)
	pending, active := r.countsLocked()
	r.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		r.logger.Error().Err(err).Str("instrument_id", snapshot.ID).Msg("failed to persist applied state")
	}

	r.logger.Info().
		Str("instrument_id", snapshot.ID).
		Str("probe_id", probeID).
		Msg("instrument applied")
	_ = r.audit.PublishInstrumentApplied(snapshot.ID, probeID)
	if first {
		r.metrics.RecordApplyLatency(now.Sub(snapshot.CreatedAt))
		r.metrics.SetInstrumentCounts(pending, active)
		r.emit(snapshot, instrument.ActionApplied, "")
	}
	return nil
}

func (r *Registry) handleRemoved(ctx context.Context, msg *bridge.Message) error {
	var report protocol.StatusReport
	if err := msg.Decode(&report); err != nil {
		return instrument.NewValidationError("invalid removed report", err)
	}
	probeID := msg.Identity.ProbeID

	if report.Cause == instrument.CauseExplicit || report.Cause == "" {
		// An acknowledgement of a remove we sent, or a local clear on the
		// agent. The instrument stays live for other agents.
		r.mu.Lock()
		if inst, ok := r.byID[report.InstrumentID]; ok {
			inst.Meta.AppliedBy = without(inst.Meta.AppliedBy, probeID)
		}
		r.mu.Unlock()
		return nil
	}

	// Expiry and hit limits end the instrument everywhere.
	removed, err := r.remove(ctx, report.InstrumentID, report.Cause, probeID)
	if err != nil || removed == nil {
		return err
	}
	r.publishAsync(&protocol.Command{Type: protocol.CommandRemoveInstruments, InstrumentIDs: []string{removed.ID}})
	return nil
}

func (r *Registry) handleHit(ctx context.Context, msg *bridge.Message) error {
	var hit instrument.Hit
	if err := msg.Decode(&hit); err != nil {
		return instrument.NewValidationError("invalid hit", err)
	}
	hit.ProbeID = msg.Identity.ProbeID
	if hit.OccurredAt.IsZero() {
		hit.OccurredAt = r.now().UTC()
	}

	r.mu.Lock()
	inst, ok := r.byID[hit.InstrumentID]
	if !ok {
		r.mu.Unlock()
		// In flight when the instrument was removed.
		return nil
	}
	inst.Meta.HitCount++
	at := hit.OccurredAt
	if inst.Meta.FirstHitAt == nil {
		inst.Meta.FirstHitAt = &at
	}
	inst.Meta.LastHitAt = &at
	r.dirty[inst.ID] = struct{}{}
	kind, loc := inst.Kind, inst.Location
	r.mu.Unlock()

	hit.Kind, hit.Location = kind, loc
	r.metrics.RecordHit(string(kind))
	if r.events != nil {
		r.events.PublishEvent(&instrument.Event{
			ID:           uuid.New().String(),
			Type:         instrument.EventTypeFor(kind, instrument.ActionHit),
			InstrumentID: hit.InstrumentID,
			Kind:         kind,
			Location:     loc,
			OccurredAt:   hit.OccurredAt,
			Hit:          &hit,
		})
	}
	return nil
}

func (r *Registry) handleError(ctx context.Context, msg *bridge.Message) error {
	var report protocol.StatusReport
	if err := msg.Decode(&report); err != nil {
		return instrument.NewValidationError("invalid error report", err)
	}
	probeID := msg.Identity.ProbeID

	r.metrics.RecordError(string(instrument.ErrorClassPermanent), report.Code)
	r.logger.Warn().
		Str("instrument_id", report.InstrumentID).
		Str("probe_id", probeID).
		Str("code", report.Code).
		Str("error", report.Error).
		Msg("agent reported instrument error")
	if report.Code == instrument.ErrCodeConditionEvaluation {
		_ = r.audit.PublishConditionFailed(report.InstrumentID, probeID, report.Error)
	}

	r.mu.RLock()
	inst, ok := r.byID[report.InstrumentID]
	if ok {
		inst = inst.Clone()
	}
	r.mu.RUnlock()
	if !ok || r.events == nil {
		return nil
	}
	r.events.PublishEvent(&instrument.Event{
		ID:           uuid.New().String(),
		Type:         instrument.EventTypeFor(inst.Kind, instrument.ActionError),
		InstrumentID: inst.ID,
		Kind:         inst.Kind,
		Location:     inst.Location,
		OccurredAt:   r.now().UTC(),
		Error:        report.Error,
		Instrument:   inst,
	})
	return nil
}

func (r *Registry) probeConnected(id bridge.Identity) {
	_ = r.audit.PublishProbeConnected(id.ProbeID, id.ConnectionID)
}

// probeDisconnected forgets which instruments the probe held. Their status
// is left alone; the agent re-acknowledges them when it reconnects.
func (r *Registry) probeDisconnected(id bridge.Identity) {
	r.mu.Lock()
	for _, inst := range r.byID {
		inst.Meta.AppliedBy = without(inst.Meta.AppliedBy, id.ProbeID)
	}
	delete(r.commandConns, id.ConnectionID)
	if len(r.commandConns) == 0 {
		// Nobody is left to acknowledge pending installs.
		r.releaseWaitersLocked()
	}
	r.mu.Unlock()
	_ = r.audit.PublishProbeDisconnected(id.ProbeID, id.ConnectionID)
}

// probeRegistered replays every live instrument to an agent that just
// registered for commands.
func (r *Registry) probeRegistered(id bridge.Identity, address string) {
	if address != protocol.AddressInstrumentCommand {
		return
	}
	r.mu.Lock()
	r.commandConns[id.ConnectionID] = struct{}{}
	list := make([]*instrument.Instrument, 0, len(r.byID))
	for _, inst := range r.byID {
		list = append(list, inst.Clone())
	}
	r.mu.Unlock()
	if len(list) == 0 {
		return
	}
	sortByCreation(list)

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
	defer cancel()
	cmd := &protocol.Command{Type: protocol.CommandAddInstruments, Instruments: list}
	if err := r.sendTo(ctx, id.ConnectionID, cmd); err != nil {
		r.logger.Warn().Err(err).Str("probe_id", id.ProbeID).Msg("failed to replay instruments")
		return
	}
	r.logger.Debug().Str("probe_id", id.ProbeID).Int("instruments", len(list)).Msg("replayed instruments")
}

func (r *Registry) sendTo(ctx context.Context, connectionID string, cmd *protocol.Command) error {
	if r.transport == nil {
		return instrument.NewRemoteUnavailableError("no transport configured")
	}
	return r.transport.SendTo(ctx, connectionID, protocol.AddressInstrumentCommand, cmd)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func without(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
