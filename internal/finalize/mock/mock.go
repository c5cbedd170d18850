// Package mock provides a test double for the outcome delivery.
//
// Delivery records every payload and serves a configurable error:
//
//	d := &mock.Delivery{}
//	// ... hand d to the code under test ...
//	payloads := d.Payloads()
package mock

import (
	"context"
	"sync"

	"github.com/leadline-voice/leadline/internal/finalize"
)

// Compile-time assertion that Delivery satisfies the finalize interface.
var _ finalize.Delivery = (*Delivery)(nil)

// Delivery is a mock finalize.Delivery.
type Delivery struct {
	// DeliverErr, when set, is returned by Deliver.
	DeliverErr error

	mu       sync.Mutex
	payloads []finalize.Payload
}

// Deliver records the payload.
func (d *Delivery) Deliver(_ context.Context, p finalize.Payload) error {
	d.mu.Lock()
	d.payloads = append(d.payloads, p)
	d.mu.Unlock()
	return d.DeliverErr
}

// Payloads returns a copy of all recorded payloads.
func (d *Delivery) Payloads() []finalize.Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]finalize.Payload, len(d.payloads))
	copy(out, d.payloads)
	return out
}

// Reset clears the recorded payloads.
func (d *Delivery) Reset() {
	d.mu.Lock()
	d.payloads = nil
	d.mu.Unlock()
}
