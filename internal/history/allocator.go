package history

import (
	"math/rand/v2"
	"sync"
)

// Slots is the number of frame ids. Id 0 is never handed out because a
// Transmit with id 0 gets no Status.
const Slots = 254

// Allocator hands out frame ids 1..Slots.
type Allocator struct {
	mu   sync.Mutex
	used [Slots]bool
}

// Reserve returns the lowest free id. When every id is taken it returns a
// random one that is already in use, so a late Status may be attributed to
// the wrong transmission.
func (a *Allocator) Reserve() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, used := range a.used {
		if !used {
			a.used[i] = true
			return uint8(i + 1)
		}
	}
	return uint8(rand.IntN(Slots) + 1)
}

// Release frees id. Releasing 0 or a free id does nothing.
func (a *Allocator) Release(id uint8) {
	if id == 0 || int(id) > Slots {
		return
	}
	a.mu.Lock()
	a.used[id-1] = false
	a.mu.Unlock()
}

// InUse returns the number of reserved ids.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, used := range a.used {
		if used {
			n++
		}
	}
	return n
}
