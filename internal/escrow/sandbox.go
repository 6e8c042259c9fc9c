package escrow

import (
	"context"
	"fmt"
	"sync"
)

// SandboxProvider is an in-memory Provider for development and tests.
// It settles every request immediately and can be scripted to fail.
type SandboxProvider struct {
	mu        sync.Mutex
	calls     map[Operation]int
	transient map[Operation]int
	fatal     map[Operation]error
	seen      map[string]string
	refSeq    int
}

// NewSandboxProvider constructs an empty sandbox.
func NewSandboxProvider() *SandboxProvider {
	return &SandboxProvider{
		calls:     make(map[Operation]int),
		transient: make(map[Operation]int),
		fatal:     make(map[Operation]error),
		seen:      make(map[string]string),
	}
}

// FailTransiently makes the next n calls for the operation fail with a
// retryable error.
func (p *SandboxProvider) FailTransiently(op Operation, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transient[op] = n
}

// FailPermanently makes every call for the operation fail with a
// non-retryable error.
func (p *SandboxProvider) FailPermanently(op Operation, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fatal[op] = err
}

// Calls reports how many times the operation was invoked.
func (p *SandboxProvider) Calls(op Operation) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

func (p *SandboxProvider) Hold(_ context.Context, req Request) (string, error) {
	return p.settle(OpHold, req)
}

func (p *SandboxProvider) Release(_ context.Context, req Request) (string, error) {
	return p.settle(OpRelease, req)
}

func (p *SandboxProvider) Refund(_ context.Context, req Request) (string, error) {
	return p.settle(OpRefund, req)
}

func (p *SandboxProvider) settle(op Operation, req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[op]++
	if err := p.fatal[op]; err != nil {
		return "", err
	}
	if p.transient[op] > 0 {
		p.transient[op]--
		return "", Transient(fmt.Errorf("sandbox outage for %s", op))
	}

	// Honor the idempotency key the way a real provider must.
	if ref, ok := p.seen[req.IdempotencyKey]; ok {
		return ref, nil
	}
	p.refSeq++
	ref := fmt.Sprintf("sandbox-%s-%d", op, p.refSeq)
	p.seen[req.IdempotencyKey] = ref
	return ref, nil
}
