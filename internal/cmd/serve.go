package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/warden/internal/config"
	"github.com/inercia/warden/internal/defense"
	"github.com/inercia/warden/internal/logging"
	"github.com/inercia/warden/internal/ratelimit"
	"github.com/inercia/warden/internal/store"
	"github.com/inercia/warden/internal/web"
)

var (
	serveListen   string
	serveUpstream string
	serveNoWatch  bool
)

// shutdownTimeout bounds how long in-flight requests may take to drain.
const shutdownTimeout = 15 * time.Second

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the defense gateway in front of an application",
	Long: `Start the gateway. Every request is screened and, when allowed,
proxied to the upstream application.

The configuration file is watched while the gateway runs. Edits to the
defense policy and the rate-limit rules apply without a restart; other
sections need a restart.

Example:
  warden serve                                    # Use the configured listen and upstream
  warden serve --listen 0.0.0.0:8080 --upstream http://app:3000
  warden serve --config /etc/warden/warden.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (overrides server.listen)")
	serveCmd.Flags().StringVar(&serveUpstream, "upstream", "", "Upstream application URL (overrides server.upstream)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload the configuration file when it changes")
}

func runServe(cmd *cobra.Command, args []string) error {
	serverCfg := cfg.Server
	if serveListen != "" {
		serverCfg.Listen = serveListen
	}
	if serveUpstream != "" {
		serverCfg.Upstream = serveUpstream
	}
	if err := serverCfg.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database, logging.Store())
	if err != nil {
		return err
	}
	defer db.Close()

	counters := ratelimit.NewCounterStore(ctx, cfg.Redis, logging.RateLimit())
	defer counters.Close()
	limiter := ratelimit.NewLimiter(counters, cfg.RateLimits)

	def, err := defense.New(db, cfg.Defense, logging.Defense())
	if err != nil {
		return err
	}
	defer def.Close()

	srv, err := web.NewServer(web.Config{
		Server:     serverCfg,
		Gatekeeper: cfg.Gatekeeper,
		Admin:      cfg.Admin,
		CSPReport:  cfg.CSPReport,
		Defense:    def,
		Limiter:    limiter,
		Health:     db,
		Logger:     logging.Gatekeeper(),
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	if !serveNoWatch && configResult.Source != config.ConfigSourceDefaults {
		watcher, err := config.NewWatcher(configResult.SourcePath, logging.Settings())
		if err != nil {
			logging.Settings().Warn("config_watch_unavailable", "path", configResult.SourcePath, "error", err)
		} else {
			watcher.Subscribe(reloadSubscriber(def, limiter))
			watcher.Start()
			defer watcher.Close()
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "🛡️  warden listening on %s, protecting %s\n", serverCfg.Listen, serverCfg.Upstream)
	fmt.Fprintf(cmd.OutOrStdout(), "   Config: %s (%s)\n", configResult.SourcePath, configResult.Source)
	if len(cfg.Admin.Tokens) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "   Admin API: %s\n", adminPrefix())
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n   Press Ctrl+C to stop\n\n")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Fprintln(cmd.OutOrStdout(), "\n👋 Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errCh
	def.Wait()
	return nil
}

// reloadSubscriber applies the hot-reloadable sections of a changed file.
func reloadSubscriber(def *defense.Defense, limiter *ratelimit.Limiter) config.Subscriber {
	return config.SubscriberFunc(func(ev config.ChangeEvent) {
		log := logging.Settings()
		if err := def.SetPolicy(ev.Config.Defense.Policy); err != nil {
			log.Warn("policy_reload_failed", "error", err)
		} else {
			log.Info("policy_reloaded", "rules", len(ev.Config.Defense.Policy))
		}
		limiter.SetRules(ev.Config.RateLimits)
		log.Info("rate_limits_reloaded", "rules", len(ev.Config.RateLimits))
	})
}

func adminPrefix() string {
	if cfg.Gatekeeper.AdminPrefix != "" {
		return cfg.Gatekeeper.AdminPrefix
	}
	return web.DefaultAdminPrefix
}
