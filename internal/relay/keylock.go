package relay

import (
	"sync"

	"github.com/spaolacci/murmur3"
)

const lockStripes = 256

// keyLock serialises work per user ID over a fixed set of striped mutexes.
// Callers must never hold two stripes at once.
type keyLock struct {
	stripes [lockStripes]sync.Mutex
}

// Lock acquires the stripe for key and returns its unlock func.
func (k *keyLock) Lock(key string) func() {
	m := &k.stripes[murmur3.Sum32([]byte(key))%lockStripes]
	m.Lock()
	return m.Unlock
}
