package redeem

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/family-resemblance/internal/store"
)

// Session is one admitted analysis. It holds the code's gate registration
// until Release.
type Session struct {
	machine *Machine
	code    string
	token   string
	once    sync.Once
}

// Code returns the normalized code the session was admitted for.
func (s *Session) Code() string { return s.code }

// Commit stores the result for the session's code.
func (s *Session) Commit(ctx context.Context, result []byte, refs []store.ArtifactRef) error {
	return s.machine.CommitResult(ctx, s.code, result, refs)
}

// Release frees the gate registration. It is safe to call more than once and
// does not depend on the request context, so a disconnected client still
// releases the code.
func (s *Session) Release(ctx context.Context) {
	s.once.Do(func() {
		if err := s.machine.gate.Release(context.WithoutCancel(ctx), s.code, s.token); err != nil {
			log.Error().Err(err).Str("code", s.code).Msg("Failed to release analysis gate")
			return
		}
		log.Debug().Str("code", s.code).Msg("Analysis gate released")
	})
}
