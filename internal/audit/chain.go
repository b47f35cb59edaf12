package audit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dharsanguruparan/OnceDrop/internal/model"
	"github.com/dharsanguruparan/OnceDrop/internal/signing"
)

// ErrBrokenChain is returned by Verify when an event was altered, removed
// or reordered.
var ErrBrokenChain = errors.New("audit chain broken")

// Chain signs each event with an HMAC over its fields and the previous
// event's signature before handing it to the next sink. next must be a
// single sink: the previous signature only advances when next stores the
// event, so a fan-out where some sinks succeed would leave those sinks with
// an event the chain never saw. Use ChainEach for several sinks.
type Chain struct {
	next   Log
	signer *signing.Signer

	// mu serialises signing and forwarding so sinks see chain order.
	mu   sync.Mutex
	prev string
}

// NewChain wraps next. The chain starts from an empty previous signature.
func NewChain(next Log, signer *signing.Signer) *Chain {
	return &Chain{next: next, signer: signer}
}

// ChainEach gives every sink its own Chain. A failure in one sink leaves
// the other sinks' chains intact.
func ChainEach(signer *signing.Signer, sinks ...Log) Multi {
	chains := make(Multi, 0, len(sinks))
	for _, sink := range sinks {
		chains = append(chains, NewChain(sink, signer))
	}
	return chains
}

func (c *Chain) Record(ctx context.Context, e model.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.PrevSignature = c.prev
	e.Signature = c.signer.Sign(signedFields(e)...)
	if err := c.next.Record(ctx, e); err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	c.prev = e.Signature
	return nil
}

// Verify checks an ordered slice of events produced by a Chain.
func Verify(events []model.AuditEvent, signer *signing.Signer) error {
	prev := ""
	for i, e := range events {
		if e.PrevSignature != prev {
			return fmt.Errorf("%w: event %d (%s) does not follow its predecessor", ErrBrokenChain, i, e.ID)
		}
		if !signer.Validate(e.Signature, signedFields(e)...) {
			return fmt.Errorf("%w: event %d (%s) signature mismatch", ErrBrokenChain, i, e.ID)
		}
		prev = e.Signature
	}
	return nil
}

func signedFields(e model.AuditEvent) []string {
	fields := []string{
		e.PrevSignature,
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Action),
		e.AccessCode,
		e.BlobID,
	}
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fields = append(fields, strings.Join([]string{k, e.Metadata[k]}, "="))
	}
	return fields
}
