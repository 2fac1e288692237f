package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/basket/govctl/internal/config"
)

func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "", "override the daemon's bind address (default: read from config)")
	fs.Parse(args)

	target := *addr
	if target == "" {
		homeDir := config.HomeDir()
		cfg, err := config.Load(homeDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config load: %v\n", err)
			return 1
		}
		target = cfg.BindAddr
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+target+"/healthz", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		return 1
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "govctl is not reachable at %s: %v\n", target, err)
		return 1
	}
	defer resp.Body.Close()

	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "govctl at %s reported status %d\n", target, resp.StatusCode)
		return 1
	}

	fmt.Printf("govctl is healthy at %s\n", target)
	return 0
}
