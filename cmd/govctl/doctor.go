package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/basket/govctl/internal/config"
	"github.com/basket/govctl/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "print results as JSON")
	fs.Parse(args)

	homeDir := config.HomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	diagnosis := doctor.Run(ctx, &cfg, Version)

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diagnosis); err != nil {
			fmt.Fprintf(os.Stderr, "encode diagnosis: %v\n", err)
			return 1
		}
	} else {
		fmt.Printf("govctl doctor — %s %s/%s (%s)\n\n", diagnosis.System.Version, diagnosis.System.OS, diagnosis.System.Arch, diagnosis.System.Go)
		for _, r := range diagnosis.Results {
			fmt.Printf("[%-4s] %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("         %s\n", r.Detail)
			}
		}
	}

	for _, r := range diagnosis.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}
