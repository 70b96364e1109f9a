package storage

import "rangevault/internal/model"

// EventSink receives engine events after a session commits. Sinks are
// advisory journals; a sink failure never unwinds a committed session.
type EventSink interface {
	PutEventBatch(events []model.EventRecord) error
}

// Fanout forwards each batch to every sink, reporting the first failure.
type Fanout []EventSink

func (f Fanout) PutEventBatch(events []model.EventRecord) error {
	for _, sink := range f {
		if err := sink.PutEventBatch(events); err != nil {
			return err
		}
	}
	return nil
}
