package discovery

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"golemmarket/crypto"
)

// peerLimiter token-bucket limits ingress broadcast frames per peer,
// grounded on gateway/middleware's per-visitor rate limiter but keyed by
// node id instead of client IP.
type peerLimiter struct {
	mu       sync.Mutex
	perSec   float64
	burst    int
	visitors map[crypto.NodeID]*rate.Limiter
}

func newPeerLimiter(perSec float64, burst int) *peerLimiter {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &peerLimiter{
		perSec:   perSec,
		burst:    burst,
		visitors: make(map[crypto.NodeID]*rate.Limiter),
	}
}

// allow reports whether a broadcast frame from peer may be processed now.
func (l *peerLimiter) allow(peer crypto.NodeID) bool {
	return l.obtain(peer).AllowN(time.Now(), 1)
}

func (l *peerLimiter) obtain(peer crypto.NodeID) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.visitors[peer]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(l.perSec), l.burst)
		l.visitors[peer] = limiter
	}
	return limiter
}
