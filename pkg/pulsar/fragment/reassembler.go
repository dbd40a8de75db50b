package fragment

import (
	"fmt"
	"strings"
	"time"

	"github.com/tsarna/vinculum-pulsar/pkg/pulsar"
)

// DefaultTTL bounds how long a partial inbound transfer is kept.
const DefaultTTL = 2 * time.Minute

type transfer struct {
	chunks   []string
	seen     []bool
	received int
	props    pulsar.Properties
	started  time.Time
}

// Reassembler collects inbound fragments keyed by their source topic and
// context, and yields one message per completed transfer. It is not safe for
// concurrent use; the dispatch loop owns it.
type Reassembler struct {
	ttl     time.Duration
	now     func() time.Time
	pending map[string]*transfer
}

// NewReassembler creates a Reassembler that drops partial transfers older than ttl.
func NewReassembler(ttl time.Duration) *Reassembler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Reassembler{
		ttl:     ttl,
		now:     time.Now,
		pending: make(map[string]*transfer),
	}
}

// Add records one fragment. When it completes a transfer, the joined message
// is returned with done set. Fragments may arrive in any order; a repeated
// index overwrites the earlier chunk.
func (r *Reassembler) Add(msg *pulsar.Message) (joined *pulsar.Message, done bool, err error) {
	index, count, err := msg.FragmentInfo()
	if err != nil {
		return nil, false, err
	}

	r.Evict()

	key := transferKey(msg)
	t, exists := r.pending[key]
	if !exists {
		t = &transfer{
			chunks:  make([]string, count),
			seen:    make([]bool, count),
			props:   msg.Properties(),
			started: r.now(),
		}
		r.pending[key] = t
	}

	if len(t.chunks) != count {
		delete(r.pending, key)
		return nil, false, fmt.Errorf("%w: fragment count changed from %d to %d for context %q",
			pulsar.ErrInvalidMessage, len(t.chunks), count, msg.Context())
	}

	if !t.seen[index] {
		t.seen[index] = true
		t.received++
	}
	t.chunks[index] = msg.Payload()

	if t.received < count {
		return nil, false, nil
	}

	delete(r.pending, key)
	delete(t.props, pulsar.PropFragment)
	delete(t.props, pulsar.PropNumFragments)

	return pulsar.NewMessage(msg.ID(), t.props, strings.Join(t.chunks, "")), true, nil
}

// transferKey separates senders that happen to reuse a context string.
func transferKey(msg *pulsar.Message) string {
	return msg.SourceTopic() + "\x00" + msg.Context()
}

// Evict drops expired partial transfers and returns how many were dropped.
func (r *Reassembler) Evict() int {
	cutoff := r.now().Add(-r.ttl)
	dropped := 0
	for key, t := range r.pending {
		if t.started.Before(cutoff) {
			delete(r.pending, key)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of incomplete transfers.
func (r *Reassembler) Pending() int {
	return len(r.pending)
}
