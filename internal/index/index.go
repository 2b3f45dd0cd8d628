// Package index holds the authoritative in-memory mapping of channel id to
// ChannelState (spec §4.3). The voucher engine mutates it inside the same
// critical section it persists to Store in, so a reader never observes an
// in-memory state with no durable counterpart.
package index

import (
	"sync"

	"github.com/streamchannel/sequencer/internal/domain"
)

// Index is a coarse read/write-locked map from lowercase 0x-hex channel id
// to ChannelState. Many concurrent readers or one exclusive writer; the
// voucher engine is the only writer, during seed and settle.
type Index struct {
	mu       sync.RWMutex
	channels map[string]domain.ChannelState
}

// New builds an Index, optionally seeded from a durable load (e.g. the
// result of Store.LoadAll at startup).
func New(initial map[string]domain.ChannelState) *Index {
	channels := make(map[string]domain.ChannelState, len(initial))
	for k, v := range initial {
		channels[k] = v
	}
	return &Index{channels: channels}
}

// Get returns a copy of the channel state for id and whether it exists.
func (idx *Index) Get(id string) (domain.ChannelState, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ch, ok := idx.channels[id]
	return ch, ok
}

// Put installs (or overwrites) the state for ch.ChannelID.
func (idx *Index) Put(ch domain.ChannelState) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.channels[ch.ChannelID.String()] = ch
}

// ByOwner returns every channel whose owner matches addr, in no particular
// order.
func (idx *Index) ByOwner(addr domain.Address) []domain.ChannelState {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []domain.ChannelState
	for _, ch := range idx.channels {
		if ch.Owner == addr {
			out = append(out, ch)
		}
	}
	return out
}

// Len reports how many channels the index currently holds.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.channels)
}

// WithLock runs fn holding the index's write lock, giving the voucher
// engine a single critical section spanning the read-modify-persist-publish
// sequence spec §4.3 requires: fn may read the current state for id, call
// Store.Save, and only then have its return value installed — so an error
// from Save leaves the index untouched.
func (idx *Index) WithLock(id string, fn func(current domain.ChannelState, exists bool) (domain.ChannelState, error)) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	current, exists := idx.channels[id]
	next, err := fn(current, exists)
	if err != nil {
		return err
	}
	idx.channels[id] = next
	return nil
}
