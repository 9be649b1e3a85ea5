// Package pipeline runs one paid analysis end to end: admission through the
// redemption state machine, image normalization, the model call, artifact
// storage and the write-once commit.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/family-resemblance/internal/analysis"
	"github.com/fpang/family-resemblance/internal/apperr"
	"github.com/fpang/family-resemblance/internal/artifact"
	"github.com/fpang/family-resemblance/internal/imagenorm"
	"github.com/fpang/family-resemblance/internal/metrics"
	"github.com/fpang/family-resemblance/internal/redeem"
	"github.com/fpang/family-resemblance/internal/store"
)

// Image roles, also used in artifact keys.
const (
	RoleChild  = "child"
	RoleFather = "father"
	RoleMother = "mother"
)

// DefaultTimeout bounds the detached analysis work.
const DefaultTimeout = 3 * time.Minute

// Upload is one raw image from the client.
type Upload struct {
	Data        []byte
	ContentType string
}

// Uploads holds the images for one request. Child is required and at least
// one parent must be present.
type Uploads struct {
	Child  *Upload
	Father *Upload
	Mother *Upload
}

// Outcome is a committed analysis.
type Outcome struct {
	Code      string
	Result    *analysis.Result
	Artifacts []store.ArtifactRef
}

// Analyzer is the model-facing half of the pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input) (*analysis.Result, error)
}

// Pipeline wires the collaborators of one analysis.
type Pipeline struct {
	machine   *redeem.Machine
	analyzer  Analyzer
	artifacts artifact.Store
	timeout   time.Duration
}

// New creates a Pipeline. A zero timeout selects DefaultTimeout.
func New(machine *redeem.Machine, analyzer Analyzer, artifacts artifact.Store, timeout time.Duration) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline{machine: machine, analyzer: analyzer, artifacts: artifacts, timeout: timeout}
}

// Run analyses the uploads for code. Once admitted, the work is detached
// from ctx's cancellation so a disconnected client still gets its result
// committed and the code's gate released.
func (p *Pipeline) Run(ctx context.Context, code string, up Uploads) (*Outcome, error) {
	start := time.Now()
	out, err := p.run(ctx, redeem.NormalizeCode(code), up)

	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	metrics.New().
		Dimension("Operation", "analyze").
		Dimension("Outcome", outcome).
		Duration("PipelineMs", time.Since(start)).
		Count("PipelineRuns").
		Flush()
	return out, err
}

func (p *Pipeline) run(ctx context.Context, code string, up Uploads) (*Outcome, error) {
	if up.Child == nil || len(up.Child.Data) == 0 {
		return nil, apperr.New(apperr.InvalidRequest, "a child photo is required")
	}
	if up.Father == nil && up.Mother == nil {
		return nil, apperr.New(apperr.InvalidRequest, "please upload at least the father's or the mother's photo")
	}

	session, err := p.machine.BeginAnalysis(ctx, code)
	if err != nil {
		return nil, err
	}

	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	defer session.Release(work)

	images, err := normalizeAll(up)
	if err != nil {
		return nil, err
	}

	in := analysis.Input{Child: images[RoleChild]}
	if img, ok := images[RoleFather]; ok {
		in.Father = &img
	}
	if img, ok := images[RoleMother]; ok {
		in.Mother = &img
	}

	log.Info().Str("code", code).Int("images", len(images)).Msg("Starting resemblance analysis")
	res, err := p.analyzer.Analyze(work, in)
	if err != nil {
		return nil, err
	}

	refs, err := p.storeArtifacts(work, code, images)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(res)
	if err != nil {
		p.deleteArtifacts(work, refs)
		return nil, apperr.Wrap(apperr.Internal, err, "encode result")
	}
	if err := session.Commit(work, payload, refs); err != nil {
		p.deleteArtifacts(work, refs)
		return nil, err
	}

	return &Outcome{Code: code, Result: res, Artifacts: refs}, nil
}

type normalized struct {
	role string
	img  analysis.Image
	err  error
}

// normalizeAll converts each upload with its role's profile, in parallel.
func normalizeAll(up Uploads) (map[string]analysis.Image, error) {
	type job struct {
		role    string
		upload  *Upload
		profile imagenorm.Profile
	}
	jobs := []job{{RoleChild, up.Child, imagenorm.ChildProfile}}
	if up.Father != nil {
		jobs = append(jobs, job{RoleFather, up.Father, imagenorm.ParentProfile})
	}
	if up.Mother != nil {
		jobs = append(jobs, job{RoleMother, up.Mother, imagenorm.ParentProfile})
	}

	results := make([]normalized, len(jobs))
	var wg sync.WaitGroup
	for i, j := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := imagenorm.Normalize(j.upload.Data, j.upload.ContentType, j.profile)
			if err != nil {
				results[i] = normalized{role: j.role, err: err}
				return
			}
			log.Debug().
				Str("role", j.role).
				Int("in_bytes", len(j.upload.Data)).
				Int("out_bytes", len(r.Data)).
				Bool("passthrough", r.Passthrough).
				Msg("Image normalized")
			results[i] = normalized{role: j.role, img: analysis.Image{Data: r.Data, MIMEType: r.MIMEType}}
		}()
	}
	wg.Wait()

	images := make(map[string]analysis.Image, len(results))
	for _, r := range results {
		if r.err != nil {
			if apperr.Is(r.err, apperr.InvalidImage) {
				return nil, apperr.Wrap(apperr.InvalidImage, r.err, "the "+r.role+" photo is invalid or corrupted")
			}
			return nil, r.err
		}
		images[r.role] = r.img
	}
	return images, nil
}

// storeArtifacts writes every image; on failure the ones already written
// are removed again.
func (p *Pipeline) storeArtifacts(ctx context.Context, code string, images map[string]analysis.Image) ([]store.ArtifactRef, error) {
	var refs []store.ArtifactRef
	for _, role := range []string{RoleFather, RoleMother, RoleChild} {
		img, ok := images[role]
		if !ok {
			continue
		}
		key := artifact.Key(code, role, img.MIMEType)
		if err := p.artifacts.Put(ctx, key, img.Data, img.MIMEType); err != nil {
			log.Error().Err(err).Str("code", code).Str("key", key).Msg("Failed to store artifact")
			p.deleteArtifacts(ctx, refs)
			return nil, apperr.Wrap(apperr.Internal, err, "store artifact")
		}
		refs = append(refs, store.ArtifactRef{Role: role, Key: key, MIMEType: img.MIMEType})
	}
	return refs, nil
}

func (p *Pipeline) deleteArtifacts(ctx context.Context, refs []store.ArtifactRef) {
	for _, ref := range refs {
		if err := p.artifacts.Delete(ctx, ref.Key); err != nil {
			log.Warn().Err(err).Str("key", ref.Key).Msg("Failed to remove artifact after aborted commit")
		}
	}
}

// ImageURLs resolves a role → URL map for the artifacts of a result.
func ImageURLs(ctx context.Context, artifacts artifact.Store, refs []store.ArtifactRef) map[string]string {
	urls := make(map[string]string, len(refs))
	for _, ref := range refs {
		u, err := artifacts.URL(ctx, ref.Key)
		if err != nil {
			log.Warn().Err(err).Str("key", ref.Key).Msg("Failed to resolve artifact URL")
			continue
		}
		urls[ref.Role] = u
	}
	return urls
}
