// Package app assembles the service from configuration: it picks the code
// store, gate, rate limiter and artifact backends, and wires the redemption
// machine, analysis pipeline and reaper on top of them. Every command uses
// it so the HTTP server, the Lambda handlers and the CLI share one wiring.
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"

	"github.com/fpang/family-resemblance/internal/analysis"
	"github.com/fpang/family-resemblance/internal/api"
	"github.com/fpang/family-resemblance/internal/artifact"
	"github.com/fpang/family-resemblance/internal/config"
	"github.com/fpang/family-resemblance/internal/gate"
	"github.com/fpang/family-resemblance/internal/lambdaboot"
	"github.com/fpang/family-resemblance/internal/logging"
	"github.com/fpang/family-resemblance/internal/pipeline"
	"github.com/fpang/family-resemblance/internal/ratelimit"
	"github.com/fpang/family-resemblance/internal/reaper"
	"github.com/fpang/family-resemblance/internal/redeem"
	"github.com/fpang/family-resemblance/internal/store"
)

const redisPingTimeout = 5 * time.Second

// App is a wired service instance.
type App struct {
	Config    *config.Config
	Store     store.CodeStore
	Gate      gate.Gate
	Limiter   ratelimit.Limiter
	Artifacts artifact.Store
	Machine   *redeem.Machine
	Reaper    *reaper.Reaper

	// Pipeline is nil until EnableAnalysis succeeds.
	Pipeline *pipeline.Pipeline

	gemini  *genai.Client
	model   string
	awsOnce sync.Once
	aws     lambdaboot.AWSClients
	awsErr  error
	closers []func()
}

// Open builds every backend named by cfg. Close releases them.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config

	switch cfg.StoreBackend {
	case config.BackendDynamo:
		clients, err := a.awsClients(ctx)
		if err != nil {
			return err
		}
		a.Store = lambdaboot.InitDynamo(clients.Config, cfg.DynamoTableName)
	case config.BackendPostgres:
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		a.Store = pg
	default:
		log.Warn().Msg("Using in-memory code store; codes are lost on restart")
		a.Store = store.NewMemoryStore()
	}

	switch cfg.GateBackend {
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, func() { client.Close() })
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return errors.Wrapf(err, "ping redis at %s", cfg.RedisAddr)
		}
		a.Gate = gate.NewRedis(client, cfg.GateTTL)
		a.Limiter = ratelimit.NewRedis(client, cfg.VerifyRateLimit, cfg.VerifyRateWindow)
	default:
		a.Gate = gate.NewMemory()
		a.Limiter = ratelimit.NewMemory(cfg.VerifyRateLimit, cfg.VerifyRateWindow)
	}

	switch cfg.ArtifactBackend {
	case config.BackendS3:
		clients, err := a.awsClients(ctx)
		if err != nil {
			return err
		}
		a.Artifacts = lambdaboot.InitS3(clients.Config, cfg.ArtifactBucket, cfg.ArtifactPrefix, cfg.ArtifactURLExpiry)
	default:
		local, err := artifact.NewLocalStore(cfg.ArtifactDir, "")
		if err != nil {
			return err
		}
		a.Artifacts = local
	}

	a.Machine = redeem.New(a.Store, a.Gate,
		redeem.WithRetention(cfg.DataRetention),
		redeem.WithExempt(redeem.NewExemptList(cfg.ExemptCodes...)),
	)
	a.Reaper = reaper.New(a.Store, a.Artifacts, a.Machine)
	return nil
}

func (a *App) awsClients(ctx context.Context) (lambdaboot.AWSClients, error) {
	a.awsOnce.Do(func() {
		a.aws, a.awsErr = lambdaboot.InitAWS(ctx)
	})
	return a.aws, a.awsErr
}

// useSSM reports whether secrets missing from the environment should be
// read from SSM.
func useSSM() bool {
	return lambdaboot.OnLambda() || logging.EnvOrDefault("SSM_GEMINI_KEY_PARAM", "") != ""
}

// LoadSecrets fills the Gemini key and admin password from SSM when they
// are not set and the process runs on AWS.
func (a *App) LoadSecrets(ctx context.Context) error {
	if !useSSM() {
		return nil
	}
	clients, err := a.awsClients(ctx)
	if err != nil {
		return err
	}
	a.Config.GeminiAPIKey, err = lambdaboot.LoadSecret(ctx, clients.SSM, a.Config.GeminiAPIKey,
		"SSM_GEMINI_KEY_PARAM", lambdaboot.DefaultGeminiKeyParam)
	if err != nil {
		return err
	}
	if a.Config.AdminPassword == "" && logging.EnvOrDefault("SSM_ADMIN_PASSWORD_PARAM", "") != "" {
		a.Config.AdminPassword, err = lambdaboot.LoadSecret(ctx, clients.SSM, "",
			"SSM_ADMIN_PASSWORD_PARAM", lambdaboot.DefaultAdminPasswordParam)
		if err != nil {
			return err
		}
	}
	return nil
}

// EnableAnalysis creates the Gemini-backed analysis client and pipeline.
func (a *App) EnableAnalysis(ctx context.Context) error {
	if a.Config.GeminiAPIKey == "" {
		return errors.New("GEMINI_API_KEY is not set")
	}
	client, err := analysis.NewGeminiClient(ctx, a.Config.GeminiAPIKey)
	if err != nil {
		return err
	}
	gen := analysis.NewGeminiGenerator(client, a.Config.GeminiModel, a.Config.GeminiTemperature)
	a.gemini = client
	a.model = gen.Model()
	return a.SetAnalyzer(analysis.NewClient(gen))
}

// CheckAPIKey probes the model with the configured key. It requires
// EnableAnalysis.
func (a *App) CheckAPIKey(ctx context.Context) error {
	if a.gemini == nil {
		return errors.New("analysis is not enabled")
	}
	return analysis.CheckAPIKey(ctx, a.gemini, a.model)
}

// SetAnalyzer installs the pipeline around analyzer.
func (a *App) SetAnalyzer(analyzer pipeline.Analyzer) error {
	if analyzer == nil {
		return errors.New("analyzer is nil")
	}
	a.Pipeline = pipeline.New(a.Machine, analyzer, a.Artifacts, a.Config.AnalysisTimeout)
	return nil
}

// RouterOptions returns the api options for this instance.
func (a *App) RouterOptions() api.Options {
	opts := api.Options{
		Machine:       a.Machine,
		Pipeline:      a.Pipeline,
		Artifacts:     a.Artifacts,
		Limiter:       a.Limiter,
		AdminUsername: a.Config.AdminUsername,
		AdminPassword: a.Config.AdminPassword,
		CORSOrigins:   a.Config.CORSOrigins,
		MaxUpload:     a.Config.AnalyzeMaxUpload,

		TrustedProxyHops: a.Config.TrustedProxyHops,
	}
	if local, ok := a.Artifacts.(*artifact.LocalStore); ok {
		opts.ImageDir = local.Dir()
	}
	return opts
}

// StartupLog returns a startup logger describing the wired backends.
func (a *App) StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	cfg := a.Config
	sl := lambdaboot.StartupLog(name, initStart).
		Backend("store", cfg.StoreBackend).
		Backend("gate", cfg.GateBackend).
		Backend("artifacts", cfg.ArtifactBackend).
		DynamoTable("codes", cfg.DynamoTableName).
		S3Bucket("artifacts", cfg.ArtifactBucket).
		Redis("gate", cfg.RedisAddr).
		Feature("admin", cfg.AdminEnabled()).
		Feature("analysis", a.Pipeline != nil).
		Config("retention", cfg.DataRetention.String()).
		Config("reapInterval", cfg.ReapInterval.String()).
		Config("exemptCodes", strings.Join(cfg.ExemptCodes, ","))
	if a.model != "" {
		sl = sl.Config("model", a.model)
	}
	return sl
}

// Close releases backend connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
