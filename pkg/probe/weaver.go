package probe

import (
	"context"
	"sort"
	"sync"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// Weaver installs and removes instrumentation in the host runtime.
// Apply must be idempotent per instrument id.
type Weaver interface {
	Apply(ctx context.Context, inst *instrument.Instrument) error
	Unapply(ctx context.Context, id string) error
}

// SimulatedWeaver records instrumentation without touching a runtime.
// Hits are driven explicitly through Registry.HitLocation.
type SimulatedWeaver struct {
	mu        sync.Mutex
	applied   map[string]instrument.Location
	applies   int
	unapplies int
}

// NewSimulatedWeaver creates an empty simulated weaver.
func NewSimulatedWeaver() *SimulatedWeaver {
	return &SimulatedWeaver{applied: make(map[string]instrument.Location)}
}

// Apply records the instrument as woven.
func (w *SimulatedWeaver) Apply(_ context.Context, inst *instrument.Instrument) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.applies++
	w.applied[inst.ID] = inst.Location
	return nil
}

// Unapply forgets the instrument.
func (w *SimulatedWeaver) Unapply(_ context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unapplies++
	delete(w.applied, id)
	return nil
}

// Applied returns the ids currently woven, sorted.
func (w *SimulatedWeaver) Applied() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.applied))
	for id := range w.applied {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Counts returns how many Apply and Unapply calls were made.
func (w *SimulatedWeaver) Counts() (applies, unapplies int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applies, w.unapplies
}
