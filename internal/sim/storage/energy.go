package storage

// EnergyBuffer stores EU up to a fixed capacity.
type EnergyBuffer struct {
	stored   int64
	capacity int64
}

func NewEnergyBuffer(stored, capacity int64) *EnergyBuffer {
	if stored > capacity {
		stored = capacity
	}
	return &EnergyBuffer{stored: max(stored, 0), capacity: capacity}
}

func (e *EnergyBuffer) Stored() int64   { return e.stored }
func (e *EnergyBuffer) Capacity() int64 { return e.capacity }

// Add stores up to n EU and returns the amount accepted.
func (e *EnergyBuffer) Add(n int64) int64 {
	if n <= 0 {
		return 0
	}
	n = min(n, e.capacity-e.stored)
	e.stored += n
	return n
}

// Remove takes exactly n EU or nothing.
func (e *EnergyBuffer) Remove(n int64) bool {
	if n < 0 || n > e.stored {
		return false
	}
	e.stored -= n
	return true
}
