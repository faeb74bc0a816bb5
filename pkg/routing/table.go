// pkg/routing/table.go
package routing

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/busybox42/loramesher/pkg/types"
)

var (
	ErrSelfRoute      = errors.New("cannot add self to routing table")
	ErrReservedTarget = errors.New("cannot route to a reserved address")
	ErrTableFull      = errors.New("routing table full")
)

type State uint8

const (
	Active State = iota
	Expired
)

func (s State) String() string {
	if s == Expired {
		return "expired"
	}
	return "active"
}

// Record is one route. Records handed out by the table are copies.
type Record struct {
	Destination   types.Address
	NextHop       types.Address
	HopCount      uint8
	LastRefreshed time.Time
	State         State
}

// better reports whether r should replace cur for the same destination.
func (r Record) better(cur Record) bool {
	if r.HopCount != cur.HopCount {
		return r.HopCount < cur.HopCount
	}
	return r.LastRefreshed.After(cur.LastRefreshed)
}

// Table maps destinations to routes. Writes come from the owning protocol
// task; reads may come from anywhere.
type Table struct {
	self      types.Address
	timeout   time.Duration
	maxRoutes int
	now       func() time.Time

	mu     sync.RWMutex
	routes map[types.Address]Record
}

// NewTable creates an empty table for the node self. maxRoutes <= 0 means
// unbounded.
func NewTable(self types.Address, timeout time.Duration, maxRoutes int) *Table {
	return &Table{
		self:      self,
		timeout:   timeout,
		maxRoutes: maxRoutes,
		now:       time.Now,
		routes:    make(map[types.Address]Record),
	}
}

// Upsert inserts rec or replaces the existing route for its destination when
// rec has fewer hops, or as many hops and a newer timestamp. It reports
// whether the table changed.
func (t *Table) Upsert(rec Record) (bool, error) {
	if rec.Destination == t.self {
		return false, ErrSelfRoute
	}
	if rec.Destination.IsReserved() || rec.NextHop.IsReserved() {
		return false, ErrReservedTarget
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec.State = Active
	cur, ok := t.routes[rec.Destination]
	if !ok {
		if t.maxRoutes > 0 && len(t.routes) >= t.maxRoutes {
			return false, ErrTableFull
		}
		t.routes[rec.Destination] = rec
		return true, nil
	}

	if !rec.better(cur) {
		return false, nil
	}
	t.routes[rec.Destination] = rec
	return true, nil
}

// Lookup returns the live route to dest. Routes past their timeout that
// have not been swept yet count as missing.
func (t *Table) Lookup(dest types.Address) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.routes[dest]
	if !ok || t.expired(rec, t.now()) {
		return Record{}, false
	}
	return rec, true
}

// EvictExpired removes every route not refreshed within the timeout and
// returns what was removed.
func (t *Table) EvictExpired(now time.Time) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []Record
	for dest, rec := range t.routes {
		if t.expired(rec, now) {
			rec.State = Expired
			evicted = append(evicted, rec)
			delete(t.routes, dest)
		}
	}
	sortRecords(evicted)
	return evicted
}

// RemoveVia drops every route whose next hop is nextHop.
func (t *Table) RemoveVia(nextHop types.Address) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Record
	for dest, rec := range t.routes {
		if rec.NextHop == nextHop {
			removed = append(removed, rec)
			delete(t.routes, dest)
		}
	}
	sortRecords(removed)
	return removed
}

// Snapshot returns a copy of every route ordered by destination, with the
// state computed against the current time.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	out := make([]Record, 0, len(t.routes))
	for _, rec := range t.routes {
		if t.expired(rec, now) {
			rec.State = Expired
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

// Neighbors returns the live destinations reachable in one hop.
func (t *Table) Neighbors() []types.Address {
	var out []types.Address
	for _, rec := range t.Snapshot() {
		if rec.HopCount == 1 && rec.State == Active {
			out = append(out, rec.Destination)
		}
	}
	return out
}

// ActiveCount counts routes that have not timed out at now.
func (t *Table) ActiveCount(now time.Time) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, rec := range t.routes {
		if !t.expired(rec, now) {
			n++
		}
	}
	return n
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

func (t *Table) Self() types.Address {
	return t.self
}

func (t *Table) Timeout() time.Duration {
	return t.timeout
}

func (t *Table) expired(rec Record, now time.Time) bool {
	return now.Sub(rec.LastRefreshed) > t.timeout
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Destination < recs[j].Destination
	})
}
