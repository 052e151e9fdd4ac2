package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/actiond/pkg/config"
	"github.com/Mindburn-Labs/actiond/pkg/dispatch"
	"github.com/Mindburn-Labs/actiond/pkg/monitor"
	"github.com/Mindburn-Labs/actiond/pkg/observability"
	"github.com/Mindburn-Labs/actiond/pkg/reaper"
)

const refreshJob = "actiond_refresh"

type refreshReport struct {
	Aborted int                  `json:"aborted"`
	Delayed dispatch.SweepResult `json:"delayed"`
	Gauges  *monitor.Snapshot    `json:"gauges,omitempty"`
	Errors  []string             `json:"errors,omitempty"`
}

// runRefresh is the periodic job: abort expired actions, send the ones
// that never left, then publish the gauges. Every step runs even if an
// earlier one failed.
func runRefresh(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	cmd := flag.NewFlagSet("refresh", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON")
	if err := cmd.Parse(args); err != nil {
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

	report := refresh(ctx, e)

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		_, _ = fmt.Fprintf(stdout, "aborted=%d delayed_found=%d delayed_sent=%d delayed_failed=%d\n",
			report.Aborted, report.Delayed.Found, report.Delayed.Sent, report.Delayed.Failed)
		for _, msg := range report.Errors {
			_, _ = fmt.Fprintf(stderr, "Error: %s\n", msg)
		}
	}
	if len(report.Errors) > 0 {
		return 1
	}
	return 0
}

func refresh(ctx context.Context, e *engine) refreshReport {
	var report refreshReport
	track := func(name string, fn func(ctx context.Context) error) {
		opCtx, done := e.telemetry.TrackOperation(ctx, name)
		err := fn(opCtx)
		done(err)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", name, err))
		}
	}

	track("refresh.reap", func(ctx context.Context) error {
		n, err := reaper.New(e.store).Reap(ctx)
		report.Aborted = n
		return err
	})
	track("refresh.delayed", func(ctx context.Context) error {
		res, err := e.dispatcher.SendDelayed(ctx)
		report.Delayed = res
		return err
	})
	track("refresh.gauges", func(ctx context.Context) error {
		sinks, err := refreshSinks(e)
		if err != nil {
			return err
		}
		snap, err := monitor.New(e.store, e.cfg.DelayedGrace, monitor.WithSinks(sinks...)).Push(ctx)
		if !snap.At.IsZero() {
			report.Gauges = &snap
		}
		return err
	})
	return report
}

// refreshSinks returns the OTel gauges and the legacy Prometheus gauges.
// The legacy registry is pushed to PUSHGATEWAY_URL when one is configured.
func refreshSinks(e *engine) ([]monitor.Sink, error) {
	current, err := observability.NewOTelSink(e.meter)
	if err != nil {
		return nil, err
	}
	var legacy monitor.Sink = observability.NewPrometheusSink()
	if e.cfg.PushgatewayURL != "" {
		legacy = observability.NewPushSink(e.cfg.PushgatewayURL, refreshJob, nil)
	}
	return []monitor.Sink{legacy, current}, nil
}
