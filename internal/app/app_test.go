package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/fpang/family-resemblance/internal/artifact"
	"github.com/fpang/family-resemblance/internal/config"
	"github.com/fpang/family-resemblance/internal/gate"
	"github.com/fpang/family-resemblance/internal/ratelimit"
	"github.com/fpang/family-resemblance/internal/store"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StoreBackend:     config.BackendMemory,
		GateBackend:      config.BackendMemory,
		ArtifactBackend:  config.BackendLocal,
		ArtifactDir:      t.TempDir(),
		DataRetention:    24 * time.Hour,
		ReapInterval:     time.Hour,
		ExemptCodes:      []string{"TEST8888"},
		VerifyRateLimit:  10,
		VerifyRateWindow: time.Minute,
		GateTTL:          2 * time.Minute,
		AnalysisTimeout:  time.Minute,
		AnalyzeMaxUpload: 1 << 20,
		AdminUsername:    "admin",
	}
}

func TestOpen_MemoryBackends(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")
	t.Setenv("SSM_GEMINI_KEY_PARAM", "")
	cfg := baseConfig(t)
	a, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if _, ok := a.Store.(*store.MemoryStore); !ok {
		t.Errorf("expected memory store, got %T", a.Store)
	}
	if _, ok := a.Gate.(*gate.Memory); !ok {
		t.Errorf("expected memory gate, got %T", a.Gate)
	}
	if _, ok := a.Limiter.(*ratelimit.Memory); !ok {
		t.Errorf("expected memory limiter, got %T", a.Limiter)
	}
	if a.Machine.Retention() != 24*time.Hour || !a.Machine.Exempt().Contains("test8888") {
		t.Error("expected machine to carry configured retention and exempt codes")
	}
	if a.Pipeline != nil {
		t.Error("expected no pipeline before analysis is enabled")
	}
	if err := a.LoadSecrets(context.Background()); err != nil {
		t.Errorf("expected LoadSecrets to be a no-op off AWS, got %v", err)
	}

	opts := a.RouterOptions()
	if opts.ImageDir != cfg.ArtifactDir {
		t.Errorf("expected local images served from %s, got %q", cfg.ArtifactDir, opts.ImageDir)
	}
	if opts.TrustedProxyHops != 0 {
		t.Errorf("expected forwarding headers ignored by default, got %d hops", opts.TrustedProxyHops)
	}
	if opts.MaxUpload != 1<<20 {
		t.Errorf("expected upload limit carried through, got %d", opts.MaxUpload)
	}
}

func TestOpen_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.GateBackend = config.BackendRedis
	cfg.RedisAddr = mr.Addr()

	a, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if _, ok := a.Gate.(*gate.Redis); !ok {
		t.Errorf("expected redis gate, got %T", a.Gate)
	}
	if _, ok := a.Limiter.(*ratelimit.Redis); !ok {
		t.Errorf("expected redis limiter, got %T", a.Limiter)
	}

	_, ok, err := a.Gate.TryAcquire(context.Background(), "ABC123")
	if err != nil || !ok {
		t.Fatalf("expected to acquire gate, got %v (%v)", ok, err)
	}
	if len(mr.Keys()) == 0 {
		t.Error("expected the lock to be stored in redis")
	}
}

func TestOpen_RedisUnreachable(t *testing.T) {
	cfg := baseConfig(t)
	cfg.GateBackend = config.BackendRedis
	cfg.RedisAddr = "127.0.0.1:1"

	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestEnableAnalysis_RequiresKey(t *testing.T) {
	cfg := baseConfig(t)
	a, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if err := a.EnableAnalysis(context.Background()); err == nil {
		t.Error("expected error without GEMINI_API_KEY")
	}
	if err := a.SetAnalyzer(nil); err == nil {
		t.Error("expected error for nil analyzer")
	}
	if _, ok := a.Artifacts.(*artifact.LocalStore); !ok {
		t.Errorf("expected local artifacts, got %T", a.Artifacts)
	}
}
