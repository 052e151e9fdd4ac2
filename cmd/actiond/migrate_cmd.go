package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/actiond/pkg/config"
)

func runMigrate(_ []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogger(cfg.LogLevel, stderr)
	ctx := context.Background()

	d, err := openDatabase(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = d.Close() }()

	if err := d.migrate(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "migrated")
	return 0
}
