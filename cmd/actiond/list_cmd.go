package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
	"github.com/Mindburn-Labs/actiond/pkg/config"
)

func runList(args []string, stdout, stderr io.Writer) int {
	cfg := config.Load()
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		states, kinds, ids string
		limit              int
		verbose            bool
		jsonOutput         bool
	)
	cmd.StringVar(&states, "state", "", "Comma-separated states to include")
	cmd.StringVar(&kinds, "kind", "", "Comma-separated action kinds to include")
	cmd.StringVar(&ids, "ids", "", "Comma-separated action ids")
	cmd.IntVar(&limit, "limit", 50, "Maximum number of actions")
	cmd.BoolVar(&verbose, "verbose", false, "Include message and payload")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	filter := actionlog.Filter{IDs: splitList(ids), Limit: limit, Newest: true}
	for _, s := range splitList(states) {
		st := actionlog.State(s)
		if !st.Valid() {
			_, _ = fmt.Fprintf(stderr, "Error: unknown state %q\n", s)
			return 2
		}
		filter.States = append(filter.States, st)
	}
	for _, k := range splitList(kinds) {
		kind := actionlog.Kind(k)
		if !kind.Valid() {
			_, _ = fmt.Fprintf(stderr, "Error: unknown kind %q\n", k)
			return 2
		}
		filter.Kinds = append(filter.Kinds, kind)
	}

	setupLogger(cfg.LogLevel, stderr)
	ctx := context.Background()
	d, err := openDatabase(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = d.Close() }()

	actions, err := d.store.List(ctx, filter)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if jsonOutput {
		if !verbose {
			for _, a := range actions {
				a.Payload = nil
			}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(actions)
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	header := "ID\tKIND\tORIGIN\tSTATE\tAD_GROUP\tSOURCE\tCREATED\tEXPIRES\tSENT"
	if verbose {
		header += "\tMESSAGE\tPAYLOAD"
	}
	_, _ = fmt.Fprintln(tw, header)
	for _, a := range actions {
		sent := "-"
		if a.SentAt != nil {
			sent = a.SentAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s",
			a.ID, a.Kind, a.Origin, a.State, a.Target.AdGroupID, a.Target.SourceID,
			a.CreatedAt.UTC().Format(time.RFC3339), a.ExpiresAt.UTC().Format(time.RFC3339), sent)
		if verbose {
			_, _ = fmt.Fprintf(tw, "\t%s\t%s", a.Message, a.Payload)
		}
		_, _ = fmt.Fprintln(tw)
	}
	_ = tw.Flush()
	return 0
}
