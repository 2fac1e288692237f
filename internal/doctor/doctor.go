// Package doctor runs govctl's startup preflight checks: the secrets the
// ops gateway needs, the database it writes to, and the Telegram transport
// alerts go out over, if configured.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/govctl/internal/config"
	"github.com/basket/govctl/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkSecrets,
		checkDatabase,
		checkPermissions,
		checkAlertTransport,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

// checkSecrets surfaces OS_HTTP_SECRET/COCKPIT_WRITE_SECRET_CURRENT
// problems as WARN rather than FAIL — the process still starts with a
// short or missing secret, it is just unsafe to expose beyond localhost.
func checkSecrets(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Secrets", Status: "SKIP", Message: "config missing"}
	}
	warnings := cfg.SecretWarnings()
	if len(warnings) == 0 {
		return CheckResult{Name: "Secrets", Status: "PASS", Message: "OS_HTTP_SECRET and COCKPIT_WRITE_SECRET_CURRENT are set"}
	}
	detail := ""
	for i, w := range warnings {
		if i > 0 {
			detail += "; "
		}
		detail += w
	}
	return CheckResult{Name: "Secrets", Status: "WARN", Message: "secret configuration needs attention", Detail: detail}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis && cfg.HomeDir == "" {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "home directory unknown"}
	}
	dbPath := filepath.Join(cfg.HomeDir, "govctl.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer store.Close()

	if err := store.DB().PingContext(ctx); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("connected to %s", dbPath)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.HomeDir == "" {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "home directory unknown"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "home directory writable"}
}

// checkAlertTransport resolves api.telegram.org when Telegram alerting is
// configured, so a bad network or DNS config surfaces before the first
// alert silently fails to send.
func checkAlertTransport(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Alert Transport", Status: "SKIP", Message: "config missing"}
	}
	if cfg.AlertTelegramBotToken == "" || cfg.AlertTelegramChatID == "" {
		return CheckResult{Name: "Alert Transport", Status: "SKIP", Message: "Telegram alerting not configured"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, "api.telegram.org")
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Alert Transport",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for api.telegram.org: %v", err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Alert Transport",
		Status:  "PASS",
		Message: fmt.Sprintf("resolved api.telegram.org (%d addresses, %dms)", len(addrs), latency.Milliseconds()),
	}
}
