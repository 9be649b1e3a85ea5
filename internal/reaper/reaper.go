// Package reaper reclaims redemption codes whose retention window has
// passed, together with the images stored for them.
package reaper

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"

	"github.com/fpang/family-resemblance/internal/artifact"
	"github.com/fpang/family-resemblance/internal/metrics"
	"github.com/fpang/family-resemblance/internal/redeem"
	"github.com/fpang/family-resemblance/internal/store"
)

// DefaultInterval is the sweep period used by Run.
const DefaultInterval = time.Hour

// Report summarises one sweep.
type Report struct {
	Candidates     int
	Deleted        int
	Skipped        int
	ArtifactErrors int
	// Retained counts expired codes kept because an artifact could not be
	// deleted; the next sweep retries them.
	Retained int
}

// Reaper deletes expired codes and their artifacts.
type Reaper struct {
	store     store.CodeStore
	artifacts artifact.Store
	retention time.Duration
	exempt    redeem.ExemptList
	now       func() time.Time
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a Reaper using the machine's retention window and exempt list.
func New(st store.CodeStore, artifacts artifact.Store, machine *redeem.Machine, opts ...Option) *Reaper {
	r := &Reaper{
		store:     st,
		artifacts: artifacts,
		retention: machine.Retention(),
		exempt:    machine.Exempt(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sweep deletes every non-exempt code activated more than the retention
// window ago. An already missing artifact is logged and the record is still
// deleted. Any other artifact failure keeps the record so the artifact stays
// referenced until a later sweep removes it.
func (r *Reaper) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	start := time.Now()
	cutoff := r.now().Add(-r.retention)

	codes, err := r.store.ListActivatedBefore(ctx, cutoff)
	if err != nil {
		return rep, errors.Wrap(err, "list expired codes")
	}
	rep.Candidates = len(codes)

	for _, c := range codes {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if r.exempt.Contains(c.Code) {
			rep.Skipped++
			continue
		}

		keep := false
		for _, ref := range c.ArtifactRefs {
			err := r.artifacts.Delete(ctx, ref.Key)
			switch {
			case err == nil:
			case errors.Is(err, artifact.ErrNotFound):
				rep.ArtifactErrors++
				log.Warn().Err(err).Str("code", c.Code).Str("key", ref.Key).Msg("Artifact already missing")
			default:
				rep.ArtifactErrors++
				keep = true
				log.Error().Err(err).Str("code", c.Code).Str("key", ref.Key).Msg("Failed to delete artifact")
			}
		}
		if keep {
			rep.Retained++
			log.Warn().Str("code", c.Code).Msg("Keeping expired code until its artifacts are deleted")
			continue
		}

		if err := r.store.DeleteCode(ctx, c.Code); err != nil {
			log.Error().Err(err).Str("code", c.Code).Msg("Failed to delete expired code")
			continue
		}
		rep.Deleted++
		log.Debug().Str("code", c.Code).Int("artifacts", len(c.ArtifactRefs)).Msg("Expired code reclaimed")
	}

	metrics.AddReaped(rep.Deleted, rep.ArtifactErrors)
	metrics.New().
		Dimension("Operation", "sweep").
		Duration("SweepMs", time.Since(start)).
		Metric("CodesReaped", float64(rep.Deleted), metrics.UnitCount).
		Metric("ArtifactErrors", float64(rep.ArtifactErrors), metrics.UnitCount).
		Flush()

	log.Info().
		Time("cutoff", cutoff).
		Int("candidates", rep.Candidates).
		Int("deleted", rep.Deleted).
		Int("skipped", rep.Skipped).
		Int("artifact_errors", rep.ArtifactErrors).
		Int("retained", rep.Retained).
		Dur("duration", time.Since(start)).
		Msg("Expiry sweep finished")
	return rep, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	log.Info().Dur("interval", interval).Dur("retention", r.retention).Msg("Expiry reaper started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Expiry sweep failed")
		}
		select {
		case <-ctx.Done():
			log.Info().Msg("Expiry reaper stopped")
			return
		case <-ticker.C:
		}
	}
}
