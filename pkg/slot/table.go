// Package slot divides radio airtime into a repeating schedule of fixed
// slots so neighboring nodes take turns transmitting.
package slot

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/busybox42/loramesher/pkg/types"
)

type Responsibility uint8

const (
	Idle Responsibility = iota
	Transmit
	Listen
)

func (r Responsibility) String() string {
	switch r {
	case Transmit:
		return "transmit"
	case Listen:
		return "listen"
	default:
		return "idle"
	}
}

type Entry struct {
	Index          int
	Responsibility Responsibility
	Owner          types.Address
}

// Table is a fixed-length cyclic schedule. The schedule is a pure function
// of the member set, so nodes that know the same members agree on it no
// matter in which order they learned them.
type Table struct {
	duration time.Duration

	mu       sync.RWMutex
	entries  []Entry
	members  map[types.Address]Responsibility
	assigned map[types.Address]int
}

func NewTable(length int, duration time.Duration) *Table {
	if length <= 0 {
		length = 1
	}
	t := &Table{
		duration: duration,
		entries:  make([]Entry, length),
	}
	t.Reset()
	return t
}

// AssignSlot adds addr to the schedule and returns the slot it owns.
func (t *Table) AssignSlot(addr types.Address, r Responsibility) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.members[addr] = r
	t.rebuild()
	return t.assigned[addr]
}

// Release removes addr from the schedule.
func (t *Table) Release(addr types.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.members[addr]; !ok {
		return
	}
	delete(t.members, addr)
	t.rebuild()
}

// Reset clears every assignment.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.members = make(map[types.Address]Responsibility)
	t.assigned = make(map[types.Address]int)
	for i := range t.entries {
		t.entries[i] = Entry{Index: i}
	}
}

// SlotNumber counts slots elapsed since the Unix epoch. Every node derives
// the same number from the same clock.
func (t *Table) SlotNumber(now time.Time) int64 {
	if t.duration <= 0 {
		return 0
	}
	return now.UnixNano() / int64(t.duration)
}

func (t *Table) IndexAt(now time.Time) int {
	return int(t.SlotNumber(now) % int64(len(t.entries)))
}

func (t *Table) CurrentSlot(now time.Time) Entry {
	idx := t.IndexAt(now)

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[idx]
}

func (t *Table) SlotOf(addr types.Address) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.assigned[addr]
	return idx, ok
}

func (t *Table) Snapshot() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func (t *Table) Len() int {
	return len(t.entries)
}

func (t *Table) Duration() time.Duration {
	return t.duration
}

// rebuild recomputes the schedule from the member set. Members claim their
// hashed slot in ascending address order, stepping forward past taken slots.
// When no slot is free a member shares its hashed slot; a Transmit member
// always keeps Transmit on the slot it was given.
func (t *Table) rebuild() {
	n := len(t.entries)
	for i := range t.entries {
		t.entries[i] = Entry{Index: i}
	}
	t.assigned = make(map[types.Address]int, len(t.members))

	addrs := make([]types.Address, 0, len(t.members))
	for addr := range t.members {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var shared []types.Address
	for _, addr := range addrs {
		start := int(hash(addr) % uint32(n))
		idx := -1
		for i := 0; i < n; i++ {
			j := (start + i) % n
			if t.entries[j].Owner == types.Unassigned {
				idx = j
				break
			}
		}
		if idx < 0 {
			t.assigned[addr] = start
			shared = append(shared, addr)
			continue
		}
		t.assigned[addr] = idx
		t.entries[idx] = Entry{Index: idx, Responsibility: t.members[addr], Owner: addr}
	}

	for _, addr := range shared {
		if t.members[addr] != Transmit {
			continue
		}
		idx := t.assigned[addr]
		t.entries[idx] = Entry{Index: idx, Responsibility: Transmit, Owner: addr}
	}
}

func hash(addr types.Address) uint32 {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], uint16(addr))
	h := fnv.New32a()
	h.Write(buf[:])
	return h.Sum32()
}
