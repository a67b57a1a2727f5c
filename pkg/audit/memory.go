package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/trustcore/pkg/canonicalize"
	"github.com/meridianhq/trustcore/pkg/crypto"
)

// MemoryChain is a transient Chain for tests and lite mode. Same hashing and
// signing discipline as the Postgres chain, with a mutex standing in for the
// tail lock.
type MemoryChain struct {
	mu       sync.RWMutex
	shards   map[string][]Event
	signer   crypto.Signer
	verifier crypto.Verifier
	metrics  Metrics
}

// NewMemoryChain creates an empty in-memory chain.
func NewMemoryChain(signer crypto.Signer, verifier crypto.Verifier) *MemoryChain {
	return &MemoryChain{
		shards:   make(map[string][]Event),
		signer:   signer,
		verifier: verifier,
	}
}

// SetMetrics installs the append counter. Nil disables it.
func (c *MemoryChain) SetMetrics(m Metrics) { c.metrics = m }

// Append implements Chain.
func (c *MemoryChain) Append(ctx context.Context, shard, eventType string, payload interface{}) (*Event, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	events := c.shards[shard]
	prevHash := ""
	if len(events) > 0 {
		prevHash = events[len(events)-1].Hash
	}
	ts := time.Now().UTC().Truncate(time.Microsecond)

	hash, err := ComputeHash(eventType, canonical, prevHash, ts)
	if err != nil {
		return nil, err
	}
	raw, err := HashBytes(hash)
	if err != nil {
		return nil, err
	}
	sig, err := c.signer.Sign(ctx, raw)
	if err != nil {
		return nil, err
	}

	event := Event{
		ID:           uuid.New().String(),
		Shard:        shard,
		Seq:          int64(len(events)) + 1,
		Type:         eventType,
		Payload:      canonical,
		TS:           ts,
		PrevHash:     prevHash,
		Hash:         hash,
		SignatureB64: sig.SignatureB64,
		SignerKID:    sig.KID,
	}
	c.shards[shard] = append(events, event)
	if c.metrics != nil {
		c.metrics.AuditAppend(ctx, shard)
	}
	out := event
	return &out, nil
}

// Events implements Chain.
func (c *MemoryChain) Events(ctx context.Context, shard string, fromSeq, toSeq int64) ([]Event, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if fromSeq < 1 {
		fromSeq = 1
	}
	var out []Event
	for _, e := range c.shards[shard] {
		if e.Seq < fromSeq {
			continue
		}
		if toSeq > 0 && e.Seq > toSeq {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// VerifyRange implements Chain.
func (c *MemoryChain) VerifyRange(ctx context.Context, shard string, fromSeq, toSeq int64) error {
	events, err := c.Events(ctx, shard, fromSeq, toSeq)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	prevHash := ""
	if events[0].Seq > 1 {
		pred, err := c.Events(ctx, shard, events[0].Seq-1, events[0].Seq-1)
		if err != nil {
			return err
		}
		if len(pred) == 1 {
			prevHash = pred[0].Hash
		}
	}
	return verifyEvents(ctx, c.verifier, events, prevHash)
}

// Tamper mutates a stored event's payload in place. Test helper for chain
// break detection; there is deliberately no production mutation path.
func (c *MemoryChain) Tamper(shard string, seq int64, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.shards[shard] {
		if c.shards[shard][i].Seq == seq {
			c.shards[shard][i].Payload = payload
			return
		}
	}
}
