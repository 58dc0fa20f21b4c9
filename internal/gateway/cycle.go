package gateway

import "sync"

// cycleKey identifies one (ECU, service) rotation slot. The synthetic
// gateway-wide keys used by the UDP responder (e.g. power mode cycling) use
// target address 0 together with a reserved service name, since 0 is never
// a valid ECU target address (spec.md 3, "Table 39: 0 reserved by ISO").
type cycleKey struct {
	target  uint16
	service string
}

// PowerModeCycleService is the synthetic service name the UDP responder
// uses to cycle through configured diagnostic power mode statuses.
const PowerModeCycleService = "power_mode"

// CycleTable is the process-local, mutable rotation state described in
// spec.md section 3 and section 9's design notes: one pre-allocated slot per
// (ECU target address, service name) pair, each guarded by its own mutex so
// concurrent sessions hitting the same key observe a strictly monotone,
// modulo-wrapping rotation. Unrelated keys share only the brief slot lookup
// under the table mutex; they never wait on each other's slot mutex.
type CycleTable struct {
	mu     sync.Mutex // guards the slots map: lookup, creation and reset iteration
	slots  map[cycleKey]*slot
}

type slot struct {
	mu   sync.Mutex
	next uint32
}

// NewCycleTable pre-allocates a slot for every (ECU, service) pair known at
// load time, per the design notes' preference for this over a global lock.
func NewCycleTable(gw *Gateway) *CycleTable {
	t := &CycleTable{slots: make(map[cycleKey]*slot)}
	for _, e := range gw.ECUs {
		for _, svc := range e.Catalog.Entries {
			t.slots[cycleKey{target: e.TargetAddress, service: svc.Name}] = &slot{}
		}
	}
	return t
}

func (t *CycleTable) slotFor(key cycleKey) *slot {
	t.mu.Lock()
	s, ok := t.slots[key]
	if !ok {
		s = &slot{}
		t.slots[key] = s
	}
	t.mu.Unlock()
	return s
}

// Next returns the next response index for (target, service) out of n
// possible responses, and advances the rotation modulo n. It is safe for
// concurrent use by any number of sessions.
func (t *CycleTable) Next(target uint16, service string, n int) int {
	if n <= 0 {
		return 0
	}
	s := t.slotFor(cycleKey{target: target, service: service})
	s.mu.Lock()
	idx := int(s.next) % n
	s.next = (s.next + 1) % uint32(n)
	s.mu.Unlock()
	return idx
}

// ResetAll clears every rotation to its initial state.
func (t *CycleTable) ResetAll() {
	t.mu.Lock()
	for _, s := range t.slots {
		s.mu.Lock()
		s.next = 0
		s.mu.Unlock()
	}
	t.mu.Unlock()
}

// ResetECU clears rotation state for every service of the given ECU.
func (t *CycleTable) ResetECU(target uint16) {
	t.mu.Lock()
	for k, s := range t.slots {
		if k.target == target {
			s.mu.Lock()
			s.next = 0
			s.mu.Unlock()
		}
	}
	t.mu.Unlock()
}

// ResetService clears rotation state for the named service across every ECU.
func (t *CycleTable) ResetService(service string) {
	t.mu.Lock()
	for k, s := range t.slots {
		if k.service == service {
			s.mu.Lock()
			s.next = 0
			s.mu.Unlock()
		}
	}
	t.mu.Unlock()
}

// ResetOne clears rotation state for exactly one (ECU, service) pair.
func (t *CycleTable) ResetOne(target uint16, service string) {
	t.mu.Lock()
	s, ok := t.slots[cycleKey{target: target, service: service}]
	t.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.next = 0
		s.mu.Unlock()
	}
}
