package identity

import (
	"sync"
	"time"
)

// PendingExchanges tracks in-flight handshakes so a HANDSHAKE_REQ not
// answered with a HANDSHAKE_RESP within HandshakeTimeout is dropped rather
// than left authenticating forever.
type PendingExchanges struct {
	mu      sync.Mutex
	started map[string]time.Time
	nowFn   func() time.Time
}

// NewPendingExchanges constructs an empty tracker.
func NewPendingExchanges(nowFn func() time.Time) *PendingExchanges {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &PendingExchanges{started: make(map[string]time.Time), nowFn: nowFn}
}

// Begin records that a handshake with peerID started now.
func (p *PendingExchanges) Begin(peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started[peerID] = p.nowFn()
}

// Complete reports whether peerID's handshake is still within the timeout
// window and, if so, clears it. A peer with no recorded start is rejected.
func (p *PendingExchanges) Complete(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	start, ok := p.started[peerID]
	if !ok {
		return false
	}
	delete(p.started, peerID)
	return p.nowFn().Sub(start) <= HandshakeTimeout
}

// Sweep drops any pending handshake older than HandshakeTimeout.
func (p *PendingExchanges) Sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.nowFn()
	for peer, start := range p.started {
		if now.Sub(start) > HandshakeTimeout {
			delete(p.started, peer)
		}
	}
}
