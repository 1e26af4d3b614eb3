// Package notify delivers forecast events to the log, Redis and websocket
// clients. Events are plain data; presentation is left to subscribers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lox/pvcast/internal/metrics"
)

// Event is the envelope every publisher receives.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

func NewEvent(typ string, data any, now time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, Time: now, Data: data}
}

func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Log writes events to the process log.
type Log struct{}

func (Log) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	log.Printf("notify: %s %s %s", e.Type, e.ID, data)
	metrics.EventsPublished.WithLabelValues(e.Type, "log").Inc()
	return nil
}

// Multi fans an event out to every publisher. A failing sink does not stop
// the others; the errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops events.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
