package stores

import (
	"context"
	"sync"

	"github.com/liveprobe/liveprobe/pkg/instrument"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	instruments map[string]*instrument.Instrument
	locations   map[string]string
	audit       []*AuditEntry
	nextAuditID int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instruments: make(map[string]*instrument.Instrument),
		locations:   make(map[string]string),
	}
}

func (s *MemoryStore) Init(context.Context) error    { return nil }
func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }

func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// SaveInstrument upserts an instrument.
func (s *MemoryStore) SaveInstrument(_ context.Context, inst *instrument.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := inst.Location.Key()
	if holder, ok := s.locations[key]; ok && holder != inst.ID {
		return instrument.NewConflictError(holder, inst.Location)
	}
	if prev, ok := s.instruments[inst.ID]; ok {
		delete(s.locations, prev.Location.Key())
	}
	s.instruments[inst.ID] = inst.Clone()
	s.locations[key] = inst.ID
	return nil
}

// GetInstrument returns a copy of the instrument with id.
func (s *MemoryStore) GetInstrument(_ context.Context, id string) (*instrument.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instruments[id]
	if !ok {
		return nil, instrument.NewNotFoundError(id)
	}
	return inst.Clone(), nil
}

// FindByLocation returns the instrument registered at loc.
func (s *MemoryStore) FindByLocation(_ context.Context, loc instrument.Location) (*instrument.Instrument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.locations[loc.Key()]
	if !ok {
		return nil, instrument.NewNotFoundError(loc.Key())
	}
	return s.instruments[id].Clone(), nil
}

// ListInstruments returns every stored instrument in creation order.
func (s *MemoryStore) ListInstruments(context.Context) ([]*instrument.Instrument, error) {
	s.mu.RLock()
	list := make([]*instrument.Instrument, 0, len(s.instruments))
	for _, inst := range s.instruments {
		list = append(list, inst.Clone())
	}
	s.mu.RUnlock()

	sortInstruments(list)
	return list, nil
}

// DeleteInstrument removes an instrument; missing ids are ignored.
func (s *MemoryStore) DeleteInstrument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst, ok := s.instruments[id]; ok {
		delete(s.locations, inst.Location.Key())
		delete(s.instruments, id)
	}
	return nil
}

// CreateAuditEntry appends an audit entry and assigns its id.
func (s *MemoryStore) CreateAuditEntry(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAuditID++
	entry.ID = s.nextAuditID
	cp := *entry
	s.audit = append(s.audit, &cp)
	return nil
}

// ListAuditEntries lists entries newest first.
func (s *MemoryStore) ListAuditEntries(_ context.Context, instrumentID *string, limit, offset int) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := []*AuditEntry{}
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if instrumentID != nil && (e.InstrumentID == nil || *e.InstrumentID != *instrumentID) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	start, end := limitOffset(len(matched), limit, offset)
	return matched[start:end], nil
}
