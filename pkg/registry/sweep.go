package registry

import (
	"context"
	"time"

	"github.com/liveprobe/liveprobe/pkg/instrument"
	"github.com/liveprobe/liveprobe/pkg/protocol"
)

// Sweep removes expired instruments and persists hit bookkeeping that
// changed since the last sweep. Expired instruments that an agent already
// installed are also removed remotely. It returns how many expired.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()

	r.mu.RLock()
	var expired, installed []string
	for id, inst := range r.byID {
		if !inst.Expired(now) {
			continue
		}
		expired = append(expired, id)
		if !inst.Pending() {
			installed = append(installed, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		if _, err := r.remove(ctx, id, instrument.CauseExpired, ""); err != nil {
			r.logger.Error().Err(err).Str("instrument_id", id).Msg("failed to expire instrument")
		}
	}
	if len(installed) > 0 {
		r.publishSync(ctx, &protocol.Command{Type: protocol.CommandRemoveInstruments, InstrumentIDs: installed})
	}

	r.flushHits(ctx)
	return len(expired)
}

func (r *Registry) flushHits(ctx context.Context) {
	r.mu.Lock()
	batch := make([]*instrument.Instrument, 0, len(r.dirty))
	for id := range r.dirty {
		if inst, ok := r.byID[id]; ok {
			batch = append(batch, inst.Clone())
		}
		delete(r.dirty, id)
	}
	r.mu.Unlock()

	for _, inst := range batch {
		if err := r.persist(ctx, inst); err != nil {
			r.logger.Warn().Err(err).Str("instrument_id", inst.ID).Msg("failed to persist hit bookkeeping")
		}
	}
}

// persist saves a snapshot of a live instrument. If the instrument was
// removed while the save was in flight, the stale row is deleted again.
func (r *Registry) persist(ctx context.Context, inst *instrument.Instrument) error {
	if err := r.store.SaveInstrument(ctx, inst); err != nil {
		return err
	}
	r.mu.RLock()
	_, live := r.byID[inst.ID]
	r.mu.RUnlock()
	if !live {
		return r.store.DeleteInstrument(ctx, inst.ID)
	}
	return nil
}

// Run sweeps every SweepInterval until ctx is cancelled. Pending hit
// bookkeeping is flushed on the way out.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), r.cfg.CommandTimeout)
			r.flushHits(flushCtx)
			cancel()
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				r.logger.Info().Int("expired", n).Msg("swept expired instruments")
			}
		}
	}
}
