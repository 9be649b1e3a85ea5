package analysis

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/family-resemblance/internal/apperr"
	"github.com/fpang/family-resemblance/internal/jsonutil"
	"github.com/fpang/family-resemblance/internal/metrics"
)

const (
	// DefaultMaxAttempts is the call budget for transient overload.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is multiplied by the attempt number between retries.
	DefaultBaseDelay = 2 * time.Second
)

// Client runs an analysis against a Generator.
type Client struct {
	gen         Generator
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithMaxAttempts sets the retry budget. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n >= 1 {
			c.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the linear backoff unit.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient creates a Client around gen.
func NewClient(gen Generator, opts ...Option) *Client {
	c := &Client{
		gen:         gen,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze sends the images to the model and returns a validated result.
// In single-parent mode every item in the result names the supplied parent.
func (c *Client) Analyze(ctx context.Context, in Input) (*Result, error) {
	if len(in.Child.Data) == 0 {
		return nil, apperr.New(apperr.InvalidRequest, "a child photo is required")
	}
	if in.Father == nil && in.Mother == nil {
		return nil, apperr.New(apperr.InvalidRequest, "at least one parent photo is required")
	}

	start := time.Now()
	res, err := c.analyze(ctx, in)
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	metrics.ObserveAnalysis(outcome, time.Since(start).Seconds())
	return res, err
}

func (c *Client) analyze(ctx context.Context, in Input) (*Result, error) {
	raw, err := c.generate(ctx, BuildRequest(in))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(raw) == "" {
		return nil, apperr.New(apperr.EmptyAIResponse, "the analysis service returned an empty response")
	}

	payload, err := ParsePayload(raw)
	if err != nil {
		log.Warn().Str("preview", jsonutil.Preview(raw, 200)).Msg("Unparseable model response")
		return nil, err
	}

	res, err := Validate(payload)
	if err != nil {
		log.Warn().Err(err).Str("preview", jsonutil.Preview(raw, 200)).Msg("Model response failed validation")
		return nil, err
	}

	if present, ok := in.SingleParent(); ok {
		if n := EnforceSingleParent(res, present); n > 0 {
			log.Info().
				Str("present", string(present)).
				Int("corrected", n).
				Msg("Corrected items attributed to the absent parent")
			metrics.AddCorrections(n)
		}
	}
	return res, nil
}

// generate calls the model, retrying only transient overload with a delay
// of baseDelay × attempt.
func (c *Client) generate(ctx context.Context, req Request) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		text, err := c.gen.Generate(ctx, req)
		if err == nil {
			metrics.ObserveAnalysisAttempt("ok")
			return text, nil
		}
		if !isTransient(err) {
			metrics.ObserveAnalysisAttempt("error")
			return "", apperr.Wrap(apperr.Internal, err, "analysis call failed")
		}

		metrics.ObserveAnalysisAttempt("transient")
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}

		delay := c.baseDelay * time.Duration(attempt)
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.maxAttempts).
			Dur("retry_in", delay).
			Msg("Model overloaded, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			return "", apperr.Wrap(apperr.UpstreamUnavailable, err, "analysis cancelled while waiting to retry")
		}
	}

	log.Error().Err(lastErr).Int("attempts", c.maxAttempts).Msg("Model still overloaded after all attempts")
	return "", apperr.Wrap(apperr.UpstreamUnavailable, lastErr, "the analysis service is busy, please retry later")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
