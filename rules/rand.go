package rules

import (
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"github.com/vfaronov/turq/util/httpx"
)

// Process-wide PRNG behind maybe(), text() filler and auth nonces. Scripts
// on different connections share it, so every use takes the lock.
var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randomFloat() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

func randomText() string {
	rngMu.Lock()
	defer rngMu.Unlock()
	return httpx.LoremIpsum(rng)
}

func randomNonce() string {
	rngMu.Lock()
	defer rngMu.Unlock()
	buf := make([]byte, 16)
	rng.Read(buf)
	return hex.EncodeToString(buf)
}
