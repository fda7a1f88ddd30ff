package correlator

import (
	"sync"

	"github.com/drblury/paybridge/internal/runtime/envelope"
)

// pendingCall collects the responses of one in-flight correlation id.
// Unary calls keep only the first response; streaming calls keep all of them
// in arrival order.
type pendingCall struct {
	streaming  bool
	isTerminal func(envelope.Envelope) bool
	notify     chan struct{}

	mu        sync.Mutex
	responses []envelope.Envelope
	terminal  bool
}

func newPendingCall(streaming bool, isTerminal func(envelope.Envelope) bool) *pendingCall {
	return &pendingCall{
		streaming:  streaming,
		isTerminal: isTerminal,
		notify:     make(chan struct{}, 1),
	}
}

// add records env and wakes the waiter. It reports false when env was
// dropped as a late duplicate of a unary response.
func (p *pendingCall) add(env envelope.Envelope) bool {
	p.mu.Lock()
	if !p.streaming && len(p.responses) > 0 {
		p.mu.Unlock()
		return false
	}
	p.responses = append(p.responses, env)
	if p.streaming && !p.terminal && p.isTerminal(env) {
		p.terminal = true
	}
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return true
}

func (p *pendingCall) first() (envelope.Envelope, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responses) == 0 {
		return envelope.Envelope{}, false
	}
	return p.responses[0], true
}

// latest returns the most recent response, the number received so far and
// whether any of them was terminal.
func (p *pendingCall) latest() (envelope.Envelope, int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.responses)
	if n == 0 {
		return envelope.Envelope{}, 0, false
	}
	return p.responses[n-1], n, p.terminal
}
