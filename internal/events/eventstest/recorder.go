// Package eventstest provides an in-memory events.Publisher.
package eventstest

import (
	"context"
	"sync"

	"github.com/ariefcatur/go-payment-reconciliation/internal/events"
)

type Published struct {
	Topic    string
	Key      string
	Envelope events.Envelope
}

type Recorder struct {
	mu   sync.Mutex
	msgs []Published
	Err  error
}

func (r *Recorder) Publish(_ context.Context, topic string, key []byte, env events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.msgs = append(r.msgs, Published{Topic: topic, Key: string(key), Envelope: env})
	return nil
}

func (r *Recorder) All() []Published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Published(nil), r.msgs...)
}

// OfType returns the published envelopes whose event type is t.
func (r *Recorder) OfType(t string) []Published {
	var out []Published
	for _, p := range r.All() {
		if p.Envelope.EventType == t {
			out = append(out, p)
		}
	}
	return out
}
