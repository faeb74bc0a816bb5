package stub

import "sync"

// LinkFilter reports whether a frame sent by from can be heard by to.
type LinkFilter func(from, to *Driver) bool

// Medium is a shared simulated air. Every frame transmitted by an attached
// driver is queued for reception on every other attached driver the link
// filter allows.
type Medium struct {
	mu      sync.RWMutex
	drivers []*Driver
	filter  LinkFilter
}

func NewMedium() *Medium {
	return &Medium{}
}

// NewDriver returns a driver with a random hardware id attached to m.
func (m *Medium) NewDriver() *Driver {
	d := New()
	m.Attach(d)
	return d
}

func (m *Medium) Attach(d *Driver) {
	d.mu.Lock()
	d.medium = m
	d.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers = append(m.drivers, d)
}

func (m *Medium) SetLinkFilter(f LinkFilter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filter = f
}

// Line returns a filter that connects only adjacent drivers of the list.
func Line(drivers ...*Driver) LinkFilter {
	pos := make(map[*Driver]int, len(drivers))
	for i, d := range drivers {
		pos[d] = i
	}
	return func(from, to *Driver) bool {
		a, ok1 := pos[from]
		b, ok2 := pos[to]
		if !ok1 || !ok2 {
			return false
		}
		return a-b == 1 || b-a == 1
	}
}

func (m *Medium) detach(d *Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.drivers {
		if other == d {
			m.drivers = append(m.drivers[:i], m.drivers[i+1:]...)
			return
		}
	}
}

func (m *Medium) deliver(from *Driver, frame []byte) {
	m.mu.RLock()
	targets := make([]*Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if d == from {
			continue
		}
		if m.filter != nil && !m.filter(from, d) {
			continue
		}
		targets = append(targets, d)
	}
	m.mu.RUnlock()

	for _, d := range targets {
		d.InjectRx(frame)
	}
}
