// Package redeem implements the redemption code lifecycle: device-bound
// activation, session restore, single-admission analysis and the write-once
// result.
//
// All mutations of a code go through a Machine so the lifecycle rules are
// enforced in one place. The store only provides conditional writes; the
// Machine decides which write is legal and which error kind the caller sees.
package redeem

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/fpang/family-resemblance/internal/apperr"
	"github.com/fpang/family-resemblance/internal/gate"
	"github.com/fpang/family-resemblance/internal/metrics"
	"github.com/fpang/family-resemblance/internal/store"
)

// DefaultRetention is how long a code stays usable after activation.
const DefaultRetention = 24 * time.Hour

// Machine adjudicates every lifecycle transition of a redemption code.
type Machine struct {
	store     store.CodeStore
	gate      gate.Gate
	retention time.Duration
	exempt    ExemptList
	now       func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithExempt sets the codes that may rebind devices and never expire.
func WithExempt(list ExemptList) Option {
	return func(m *Machine) { m.exempt = list }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.retention = d
		}
	}
}

// New creates a Machine over st, serialising analyses with g.
func New(st store.CodeStore, g gate.Gate, opts ...Option) *Machine {
	m := &Machine{
		store:     st,
		gate:      g,
		retention: DefaultRetention,
		exempt:    NewExemptList(DefaultExemptCode),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Retention returns the configured retention window.
func (m *Machine) Retention() time.Duration { return m.retention }

// Exempt returns the exempt code list.
func (m *Machine) Exempt() ExemptList { return m.exempt }

// NormalizeCode trims surrounding whitespace and upper-cases s.
func NormalizeCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// maxCodeLen bounds imported codes; they also name artifact objects.
const maxCodeLen = 64

// ValidCode reports whether a normalized code can be stored. Codes become
// part of artifact keys, so path separators, ".." and control or space
// characters are refused.
func ValidCode(code string) bool {
	if code == "" || len(code) > maxCodeLen || strings.Contains(code, "..") {
		return false
	}
	for _, r := range code {
		if r <= ' ' || r == 0x7f || r == '/' || r == '\\' {
			return false
		}
	}
	return true
}

// VerifyResult describes a successful Verify.
type VerifyResult struct {
	Activated bool `json:"activated"`
	Restored  bool `json:"restored"`
	HasResult bool `json:"has_result"`
}

// StatusResult is the read-only projection returned by CheckStatus.
type StatusResult struct {
	Valid     bool `json:"valid"`
	HasResult bool `json:"has_result"`
	IsExpired bool `json:"is_expired"`
}

// Verify activates an unused code for deviceID or restores the session of a
// code already bound to it.
func (m *Machine) Verify(ctx context.Context, code, deviceID string) (VerifyResult, error) {
	code = NormalizeCode(code)
	deviceID = strings.TrimSpace(deviceID)
	res, err := m.verify(ctx, code, deviceID)
	m.observe("verify", res, err)
	return res, err
}

func (m *Machine) verify(ctx context.Context, code, deviceID string) (VerifyResult, error) {
	if code == "" || deviceID == "" {
		return VerifyResult{}, apperr.New(apperr.InvalidRequest, "code and device id are required")
	}

	rec, err := m.load(ctx, code)
	if err != nil {
		return VerifyResult{}, err
	}

	if rec.Status == store.StatusUnused {
		err := m.store.ActivateCode(ctx, code, deviceID, m.now())
		switch {
		case err == nil:
			log.Info().Str("code", code).Msg("Code activated")
			return VerifyResult{Activated: true}, nil
		case errors.Is(err, store.ErrConditionFailed):
			// Lost the activation race; judge against the winner's binding.
			if rec, err = m.load(ctx, code); err != nil {
				return VerifyResult{}, err
			}
		default:
			return VerifyResult{}, m.internal(err, code, "activate code")
		}
	}

	exempt := m.exempt.Contains(code)
	if !exempt && m.expired(rec) {
		return VerifyResult{}, apperr.New(apperr.Expired, "this code has expired")
	}

	if rec.DeviceID != deviceID {
		if !exempt {
			return VerifyResult{}, apperr.New(apperr.DeviceMismatch, "this code is bound to another device")
		}
		if err := m.store.RebindDevice(ctx, code, deviceID); err != nil {
			return VerifyResult{}, m.internal(err, code, "rebind exempt code")
		}
		log.Info().Str("code", code).Msg("Exempt code rebound to a new device")
	}

	if rec.HasResult() {
		if !exempt {
			return VerifyResult{}, apperr.New(apperr.AlreadyConsumed, "this code has already been used for an analysis")
		}
		return VerifyResult{Restored: true, HasResult: true}, nil
	}

	log.Debug().Str("code", code).Msg("Session restored")
	return VerifyResult{Restored: true}, nil
}

// CheckStatus reports the code's flags without changing anything. Unknown
// codes and storage failures yield Valid=false.
func (m *Machine) CheckStatus(ctx context.Context, code string) StatusResult {
	code = NormalizeCode(code)
	if code == "" {
		return StatusResult{}
	}
	rec, err := m.store.GetCode(ctx, code)
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("Status check failed to read code")
		return StatusResult{}
	}
	if rec == nil || rec.Status != store.StatusUsed {
		return StatusResult{}
	}
	expired := !m.exempt.Contains(code) && m.expired(rec)
	return StatusResult{
		Valid:     !expired,
		HasResult: rec.HasResult(),
		IsExpired: expired,
	}
}

// Authorize checks a bearer code: it must exist, be activated and not be
// expired. The returned record is a snapshot.
func (m *Machine) Authorize(ctx context.Context, code string) (*store.Code, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, apperr.New(apperr.Unauthorized, "missing authorization code")
	}
	rec, err := m.store.GetCode(ctx, code)
	if err != nil {
		return nil, m.internal(err, code, "load code")
	}
	if rec == nil || rec.Status != store.StatusUsed {
		return nil, apperr.New(apperr.Unauthorized, "code is not activated or invalid")
	}
	if !m.exempt.Contains(code) && m.expired(rec) {
		return nil, apperr.New(apperr.Expired, "this code has expired")
	}
	return rec, nil
}

// BeginAnalysis admits one analysis for code. The caller must defer
// Session.Release.
func (m *Machine) BeginAnalysis(ctx context.Context, code string) (*Session, error) {
	code = NormalizeCode(code)
	s, err := m.beginAnalysis(ctx, code)
	outcome := "admitted"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	metrics.IncRedeemOutcome("begin_analysis", outcome)
	return s, err
}

func (m *Machine) beginAnalysis(ctx context.Context, code string) (*Session, error) {
	rec, err := m.Authorize(ctx, code)
	if err != nil {
		return nil, err
	}
	if rec.HasResult() {
		return nil, apperr.New(apperr.AlreadyConsumed, "this code already has a result; re-analysis is not allowed")
	}

	token, ok, err := m.gate.TryAcquire(ctx, code)
	if err != nil {
		return nil, m.internal(err, code, "acquire analysis gate")
	}
	if !ok {
		log.Info().Str("code", code).Msg("Analysis already in flight")
		return nil, apperr.New(apperr.InFlight, "an analysis for this code is already in progress")
	}

	// Re-check under the gate: a concurrent session may have committed
	// between the read above and the acquire.
	rec, err = m.load(ctx, code)
	if err != nil {
		m.releaseGate(code, token)
		return nil, err
	}
	if rec.HasResult() {
		m.releaseGate(code, token)
		return nil, apperr.New(apperr.AlreadyConsumed, "this code already has a result; re-analysis is not allowed")
	}

	log.Debug().Str("code", code).Msg("Analysis admitted")
	return &Session{machine: m, code: code, token: token}, nil
}

// CommitResult stores the analysis result. A code that already has a result
// is never overwritten; the attempt is reported as an internal fault.
func (m *Machine) CommitResult(ctx context.Context, code string, result []byte, refs []store.ArtifactRef) error {
	code = NormalizeCode(code)
	err := m.store.SetResult(ctx, code, result, refs)
	if err == nil {
		log.Info().Str("code", code).Int("artifacts", len(refs)).Msg("Analysis result committed")
		return nil
	}
	if errors.Is(err, store.ErrConditionFailed) {
		log.Error().Str("code", code).Msg("Refusing to overwrite an existing analysis result")
		return apperr.Wrap(apperr.Internal, err, "result already committed")
	}
	return m.internal(err, code, "commit result")
}

// Result returns the code's record when it carries a cached result.
func (m *Machine) Result(ctx context.Context, code string) (*store.Code, error) {
	code = NormalizeCode(code)
	rec, err := m.store.GetCode(ctx, code)
	if err != nil {
		return nil, m.internal(err, code, "load result")
	}
	if rec == nil || !rec.HasResult() {
		return nil, apperr.New(apperr.NotFound, "no analysis result found, please upload photos again")
	}
	return rec, nil
}

// BatchResult counts the outcome of BatchCreate.
type BatchResult struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

// BatchCreate inserts each normalized code that does not exist yet. Blank
// entries are ignored; duplicates and codes failing ValidCode are counted
// as skipped.
func (m *Machine) BatchCreate(ctx context.Context, codes []string) (BatchResult, error) {
	var res BatchResult
	seen := make(map[string]struct{}, len(codes))
	now := m.now()
	for _, raw := range codes {
		code := NormalizeCode(raw)
		if code == "" {
			continue
		}
		if !ValidCode(code) {
			log.Warn().Str("code", code).Msg("Skipping malformed code")
			res.Skipped++
			continue
		}
		if _, dup := seen[code]; dup {
			res.Skipped++
			continue
		}
		seen[code] = struct{}{}

		created, err := m.store.CreateCode(ctx, code, now)
		if err != nil {
			return res, m.internal(err, code, "create code")
		}
		if created {
			res.Created++
		} else {
			res.Skipped++
		}
	}
	log.Info().Int("created", res.Created).Int("skipped", res.Skipped).Msg("Batch create finished")
	return res, nil
}

// Expired reports whether rec is past the retention window at the current
// time. Exempt codes never expire.
func (m *Machine) Expired(rec *store.Code) bool {
	return !m.exempt.Contains(rec.Code) && m.expired(rec)
}

func (m *Machine) expired(rec *store.Code) bool {
	if rec.ActivatedAt == nil {
		return false
	}
	return m.now().Sub(*rec.ActivatedAt) > m.retention
}

func (m *Machine) load(ctx context.Context, code string) (*store.Code, error) {
	rec, err := m.store.GetCode(ctx, code)
	if err != nil {
		return nil, m.internal(err, code, "load code")
	}
	if rec == nil {
		return nil, apperr.New(apperr.NotFound, "invalid redemption code")
	}
	return rec, nil
}

func (m *Machine) releaseGate(code, token string) {
	if err := m.gate.Release(context.Background(), code, token); err != nil {
		log.Error().Err(err).Str("code", code).Msg("Failed to release analysis gate")
	}
}

func (m *Machine) internal(err error, code, op string) error {
	log.Error().Err(err).Str("code", code).Str("op", op).Msg("Storage operation failed")
	return apperr.Wrap(apperr.Internal, err, op)
}

func (m *Machine) observe(op string, res VerifyResult, err error) {
	outcome := "restored"
	switch {
	case err != nil:
		outcome = apperr.KindOf(err).String()
	case res.Activated:
		outcome = "activated"
	}
	metrics.IncRedeemOutcome(op, outcome)
}
