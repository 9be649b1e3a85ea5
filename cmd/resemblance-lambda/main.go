// Package main provides the Lambda entry point for the redemption and
// analysis HTTP API behind API Gateway (HTTP API, payload v2).
//
// Backends come from the same environment as the local server, typically:
//   - STORE_BACKEND=dynamo with DYNAMO_TABLE_NAME
//   - ARTIFACT_BACKEND=s3 with ARTIFACT_BUCKET
//   - GATE_BACKEND=redis with REDIS_ADDR for cross-instance exclusion
//
// The Gemini API key and the admin password are read from SSM at cold start
// when not present in the environment.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/awslabs/aws-lambda-go-api-proxy/httpadapter"
	"github.com/rs/zerolog/log"

	"github.com/fpang/family-resemblance/internal/api"
	"github.com/fpang/family-resemblance/internal/app"
	"github.com/fpang/family-resemblance/internal/config"
	"github.com/fpang/family-resemblance/internal/logging"
)

// Build-time identity, injected via
// -ldflags="-X main.commitHash=${COMMIT_HASH}".
var commitHash = "dev"

var handler http.Handler

func init() {
	initStart := time.Now()
	logging.Init()
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	a, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open backends")
	}
	if err := a.LoadSecrets(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load secrets")
	}
	if err := a.EnableAnalysis(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to create analysis client")
	}

	handler = api.NewRouter(a.RouterOptions())

	a.StartupLog("resemblance-lambda", initStart).
		CommitHash(commitHash).
		SSMParam("geminiKey", logging.EnvOrDefault("SSM_GEMINI_KEY_PARAM", "")).
		Log()
}

func main() {
	adapter := httpadapter.NewV2(handler)
	lambda.Start(adapter.ProxyWithContext)
}
