// Package gate guarantees at most one in-flight analysis per redemption code.
//
// A Gate never blocks: TryAcquire reports false when the code is already
// registered, and the caller fails fast instead of queueing behind a long
// model call. Every successful acquisition returns a token; callers must
// Release with that token on every exit path, normally via defer.
package gate

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Gate is a per-code mutual-exclusion registry.
type Gate interface {
	// TryAcquire registers code as in-flight and returns the token of this
	// acquisition. It returns ok=false without blocking if code is already
	// registered.
	TryAcquire(ctx context.Context, code string) (token string, ok bool, err error)

	// Release removes the registration made with token. Releasing a code
	// that is not held, or that is now held under another token, is a no-op.
	Release(ctx context.Context, code, token string) error
}

// Memory is a process-local Gate. It provides no exclusion across
// processes or hosts; multi-instance deployments use Redis instead.
type Memory struct {
	mu       sync.Mutex
	inFlight map[string]string
}

var _ Gate = (*Memory)(nil)

// NewMemory returns an empty in-process gate.
func NewMemory() *Memory {
	return &Memory{inFlight: make(map[string]string)}
}

func (m *Memory) TryAcquire(_ context.Context, code string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.inFlight[code]; held {
		return "", false, nil
	}
	token := uuid.NewString()
	m.inFlight[code] = token
	return token, true, nil
}

func (m *Memory) Release(_ context.Context, code, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.inFlight[code]; ok && held == token {
		delete(m.inFlight, code)
	}
	return nil
}

// Held reports whether code is currently registered.
func (m *Memory) Held(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.inFlight[code]
	return held
}
