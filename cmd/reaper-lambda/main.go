// Package main provides the Lambda entry point for the expiry reaper.
//
// An EventBridge schedule invokes it (hourly by default); each invocation
// runs one sweep that deletes codes activated more than DATA_RETENTION ago
// together with their stored images. Exempt codes are never removed.
package main

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/family-resemblance/internal/app"
	"github.com/fpang/family-resemblance/internal/config"
	"github.com/fpang/family-resemblance/internal/logging"
	"github.com/fpang/family-resemblance/internal/reaper"
)

var commitHash = "dev"

var sweeper *reaper.Reaper

func init() {
	initStart := time.Now()
	logging.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	a, err := app.Open(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open backends")
	}
	sweeper = a.Reaper

	a.StartupLog("reaper-lambda", initStart).CommitHash(commitHash).Log()
}

// Report is the invocation result, visible in the Lambda console.
type Report struct {
	Candidates     int `json:"candidates"`
	Deleted        int `json:"deleted"`
	Skipped        int `json:"skipped"`
	ArtifactErrors int `json:"artifactErrors"`
	Retained       int `json:"retained"`
}

func handler(ctx context.Context, evt events.CloudWatchEvent) (Report, error) {
	log.Info().Str("eventId", evt.ID).Time("scheduledAt", evt.Time).Msg("Reaper invoked")
	rep, err := sweeper.Sweep(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Sweep failed")
		return Report{}, err
	}
	return Report{
		Candidates:     rep.Candidates,
		Deleted:        rep.Deleted,
		Skipped:        rep.Skipped,
		ArtifactErrors: rep.ArtifactErrors,
		Retained:       rep.Retained,
	}, nil
}

func main() {
	lambda.Start(handler)
}
