package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Mindburn-Labs/actiond/pkg/config"
	"github.com/Mindburn-Labs/actiond/pkg/dispatch"
)

func runResend(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	cmd := flag.NewFlagSet("resend", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var ids string
	cmd.StringVar(&ids, "ids", "", "Comma-separated action ids (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	list := splitList(ids)
	if len(list) == 0 {
		_, _ = fmt.Fprintln(stderr, "Error: -ids is required")
		return 2
	}

	logger := setupLogger(cfg.LogLevel, stderr)
	ctx := context.Background()
	e, err := newEngine(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = e.Close() }()

	results := dispatch.NewResender(e.store, e.dispatcher, e.hook, dispatch.WithResendLogger(logger)).Resend(ctx, list)

	code := 0
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tDETAIL")
	for _, r := range results {
		detail := r.Reason
		if r.Err != nil {
			detail = r.Err.Error()
			code = 1
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ActionID, r.Status, detail)
	}
	_ = tw.Flush()
	return code
}
