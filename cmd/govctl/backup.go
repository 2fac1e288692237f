package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/basket/govctl/internal/config"
	"github.com/basket/govctl/internal/cron"
)

func runBackupCommand(args []string) int {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	fs.Parse(args)

	homeDir := config.HomeDir()
	path, err := cron.Backup(homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		return 1
	}

	fmt.Printf("backup written to %s\n", path)
	return 0
}
