package storage

import "rangevault/internal/model"

// MemorySink buffers event records in memory, for test assertions and for
// re-publishing a run's events to a second store.
type MemorySink struct {
	events []model.EventRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) PutEventBatch(events []model.EventRecord) error {
	s.events = append(s.events, events...)
	return nil
}

// Events returns the buffered records in arrival order.
func (s *MemorySink) Events() []model.EventRecord {
	out := make([]model.EventRecord, len(s.events))
	copy(out, s.events)
	return out
}
