// Command govctl runs the single-founder governance control plane: the
// task state machine, the external-access broker, and the /ops/* HTTP
// surface described in the governance spec, all over one embedded SQLite
// database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/govctl/internal/alerts"
	"github.com/basket/govctl/internal/audit"
	"github.com/basket/govctl/internal/broker"
	"github.com/basket/govctl/internal/bus"
	"github.com/basket/govctl/internal/config"
	"github.com/basket/govctl/internal/cron"
	"github.com/basket/govctl/internal/engine"
	"github.com/basket/govctl/internal/gateway"
	govotel "github.com/basket/govctl/internal/otel"
	"github.com/basket/govctl/internal/persistence"
	"github.com/basket/govctl/internal/policy"
	"github.com/basket/govctl/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                Run the governance daemon (HTTP surface, alerts, scheduled sweeps)
  %s status         Check the running daemon's /healthz
  %s doctor [-json] Run diagnostic checks
  %s backup         Take an immediate tarball backup of the home directory

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOVCTL_HOME                     Data directory (default: ~/.govctl)
  OS_HTTP_SECRET                  Read-gate secret, header X-OS-SECRET
  COCKPIT_WRITE_SECRET_CURRENT    Write-gate secret, header X-WRITE-SECRET
  COCKPIT_WRITE_SECRET_PREVIOUS   Accepted alongside CURRENT during rotation
  ALERT_TELEGRAM_BOT_TOKEN        Outbound alert transport
  ALERT_TELEGRAM_CHAT_ID          Outbound alert transport
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "backup":
			os.Exit(runBackupCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runServe(ctx))
}

func runServe(ctx context.Context) int {
	homeDir := config.HomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	if warnings := cfg.SecretWarnings(); len(warnings) > 0 {
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "warning: %s\n", w)
		}
	}

	logger, closer, err := telemetry.NewLogger(homeDir, cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()

	if err := audit.Init(homeDir); err != nil {
		logger.Error("audit init failed", "error", err)
		return 1
	}
	defer audit.Close()

	eventBus := bus.New()

	store, err := persistence.Open(persistence.DefaultDBPath(), eventBus)
	if err != nil {
		logger.Error("store open failed", "error", err)
		return 1
	}
	defer store.Close()
	audit.SetDB(store.DB())

	pol, err := policy.Load(config.PolicyPath(homeDir))
	if err != nil {
		logger.Error("policy load failed", "error", err)
		return 1
	}
	livePolicy := policy.NewLivePolicy(pol, config.PolicyPath(homeDir))

	otelCfg := govotel.Config{Enabled: false, ServiceName: "govctl"}
	provider, err := govotel.Init(ctx, otelCfg)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return 1
	}
	defer provider.Shutdown(context.Background())

	metrics, err := govotel.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("otel metrics init failed", "error", err)
		return 1
	}

	eng := engine.New(store, livePolicy).WithTelemetry(provider.Tracer, metrics)

	extBroker := broker.New(store, []byte(cfg.ExtCallHMACSecret), defaultRequiredLevel).
		WithTelemetry(provider.Tracer, metrics)
	_ = extBroker // wired for future executor integration; exercised today by its own tests

	var sender alerts.Sender
	if cfg.AlertTelegramBotToken != "" && cfg.AlertTelegramChatID != "" {
		sender, err = alerts.NewTelegramSender(cfg.AlertTelegramBotToken, cfg.AlertTelegramChatID)
		if err != nil {
			logger.Error("telegram sender init failed", "error", err)
			return 1
		}
	}
	alertEngine := alerts.New(alerts.Config{
		Bus:                   eventBus,
		Logger:                logger,
		Send:                  sender,
		WorkerOfflineGrace:    cfg.WorkerOfflineGrace,
		DispatchFailThreshold: cfg.DispatchFailThreshold,
		DispatchFailWindow:    cfg.DispatchFailWindow,
		DedupWindow:           cfg.AlertDedupWindow,
		Metrics:               metrics,
	})
	alertEngine.Start(ctx)
	defer alertEngine.Stop()

	scheduler := cron.NewScheduler(cron.Config{
		Store:   store,
		Logger:  logger,
		HomeDir: homeDir,
	})
	scheduler.Start()
	defer scheduler.Stop()

	srv := gateway.New(&cfg, eng, store).WithTelemetry(provider.Tracer, metrics)
	logger.Info("govctl listening", "addr", cfg.BindAddr)
	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("gateway exited", "error", err)
		return 1
	}
	return 0
}

// defaultRequiredLevel is the access-level table used when no provider
// catalog is configured: actions prefixed "delete:" need the highest
// level, "write:" need write-reversible, everything else only needs read.
func defaultRequiredLevel(provider, action string) (int, bool) {
	switch {
	case strings.HasPrefix(action, "delete:"):
		return persistence.AccessWriteIrreversible, true
	case strings.HasPrefix(action, "write:"):
		return persistence.AccessWriteReversible, true
	case action == "":
		return 0, false
	default:
		return persistence.AccessRead, true
	}
}
