package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/family-resemblance/internal/api"
	"github.com/fpang/family-resemblance/internal/app"
	"github.com/fpang/family-resemblance/internal/config"
	"github.com/fpang/family-resemblance/internal/logging"
	"github.com/fpang/family-resemblance/internal/metrics"
)

var commitHash = "dev"

// CLI flags
var (
	addrFlag         string
	noReaperFlag     bool
	skipKeyCheckFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "resemblance-web",
	Short: "Redemption-code gated family resemblance analysis service",
	Long: `resemblance-web runs the family resemblance API and its maintenance tasks.

Configuration is read from the environment (see CONFIG_FILE for a YAML
overlay). Every subcommand uses the same backends, so "import-codes" and
"sweep" operate on the store the server uses.

Examples:
  resemblance-web serve
  resemblance-web serve --addr :9090
  resemblance-web import-codes --file codes.txt
  resemblance-web import-codes AB12CD EF34GH
  resemblance-web sweep`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&addrFlag, "addr", "", "Listen address (overrides LISTEN_ADDR)")
	serveCmd.Flags().BoolVar(&noReaperFlag, "no-reaper", false, "Do not run the in-process expiry reaper")
	serveCmd.Flags().BoolVar(&skipKeyCheckFlag, "skip-key-check", false, "Do not probe the Gemini API key at startup")
	rootCmd.AddCommand(serveCmd, importCodesCmd, sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openApp loads configuration and opens the configured backends.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg)
}

func runServe(cmd *cobra.Command, args []string) error {
	initStart := time.Now()
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.LoadSecrets(ctx); err != nil {
		return err
	}
	if err := a.EnableAnalysis(ctx); err != nil {
		return err
	}
	if !skipKeyCheckFlag {
		if err := a.CheckAPIKey(ctx); err != nil {
			return err
		}
	}
	metrics.MustRegister()

	opts := a.RouterOptions()
	opts.Metrics = true
	addr := a.Config.ListenAddr
	if addrFlag != "" {
		addr = addrFlag
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// Analyses can take minutes while the model retries.
		WriteTimeout: a.Config.AnalysisTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if !noReaperFlag {
		go a.Reaper.Run(ctx, a.Config.ReapInterval)
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	a.StartupLog("resemblance-web", initStart).
		CommitHash(commitHash).
		Feature("reaper", !noReaperFlag).
		Config("listenAddr", addr).
		Log()
	log.Info().Str("addr", addr).Msg("Starting web server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
