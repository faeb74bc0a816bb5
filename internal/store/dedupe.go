// Package store keeps the short-lived in-memory state the mesh needs to
// suppress frames it has already delivered.
package store

import (
	"fmt"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/busybox42/loramesher/pkg/types"
)

// Dedupe remembers (source, sequence) pairs for a fixed time.
type Dedupe struct {
	// Do not embed, the cache API is wider than needed.
	c   *cache.Cache
	ttl time.Duration
	mu  sync.Mutex
}

// NewDedupe returns a cache whose entries expire after ttl. Expired entries
// are dropped by Sweep; no janitor goroutine is started.
func NewDedupe(ttl time.Duration) *Dedupe {
	return &Dedupe{
		c:   cache.New(ttl, 0),
		ttl: ttl,
	}
}

// Seen records the pair and reports whether it was already present.
func (d *Dedupe) Seen(source types.Address, seq uint16) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.c.Add(key(source, seq), struct{}{}, d.ttl) != nil
}

// Sweep drops expired pairs.
func (d *Dedupe) Sweep() {
	d.c.DeleteExpired()
}

func (d *Dedupe) Len() int {
	return d.c.ItemCount()
}

// Flush forgets everything.
func (d *Dedupe) Flush() {
	d.c.Flush()
}

func key(source types.Address, seq uint16) string {
	return fmt.Sprintf("%04x:%04x", uint16(source), seq)
}
