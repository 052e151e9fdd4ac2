// Package alerting pages humans when an automatic campaign stop failed.
// Routing depends on whether operators can fix the problem themselves in
// the source's dashboard.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
	"github.com/Mindburn-Labs/actiond/pkg/targets"
)

// IncidentKey deduplicates pages for failed automatic stops.
const IncidentKey = "adgroup_stop_failed"

// Route is the team an incident is sent to.
type Route string

const (
	RouteOps         Route = "ops"
	RouteEngineering Route = "engineering"
)

// RouteFor picks ops when the source has a dashboard operators can act in.
func RouteFor(hasDashboard bool) Route {
	if hasDashboard {
		return RouteOps
	}
	return RouteEngineering
}

// Details carries the links and identifiers shown with an incident.
type Details struct {
	ActionAdminURL string `json:"action_admin_url"`
	ActionID       string `json:"action_id"`
	AdGroupID      int64  `json:"ad_group_id"`
	SourceID       int64  `json:"source_id"`
	SourceType     string `json:"source_type,omitempty"`
	Message        string `json:"message,omitempty"`
}

// Incident is the page payload.
type Incident struct {
	IncidentKey string  `json:"incident_key"`
	Description string  `json:"description"`
	Details     Details `json:"details"`
	Route       Route   `json:"route"`
}

// Pager delivers incidents.
type Pager interface {
	Page(ctx context.Context, inc Incident) error
}

// Hook turns alert events into incidents.
type Hook struct {
	resolver  targets.Resolver
	pager     Pager
	adminBase string
	logger    *slog.Logger
}

// NewHook creates a hook. adminBase is the base URL of the admin UI.
func NewHook(resolver targets.Resolver, pager Pager, adminBase string) *Hook {
	return &Hook{
		resolver:  resolver,
		pager:     pager,
		adminBase: strings.TrimRight(adminBase, "/"),
		logger:    slog.Default().With("component", "alerting"),
	}
}

// ActionAdminURL links to the admin page of an action.
func (h *Hook) ActionAdminURL(id string) string {
	return h.adminBase + "/admin/actions/" + id
}

// Handle pages once per alert event and ignores every other event type.
// Paging failures are logged; they never propagate to the transition that
// produced the event.
func (h *Hook) Handle(ctx context.Context, events []actionlog.Event) {
	for _, ev := range events {
		if ev.Type != actionlog.EventAlert {
			continue
		}
		inc := h.incident(ctx, ev)
		if err := h.pager.Page(ctx, inc); err != nil {
			h.logger.Error("failed to page", "action_id", ev.ActionID, "route", inc.Route, "error", err)
			continue
		}
		h.logger.Info("incident paged", "action_id", ev.ActionID, "route", inc.Route)
	}
}

func (h *Hook) incident(ctx context.Context, ev actionlog.Event) Incident {
	details := Details{
		ActionAdminURL: h.ActionAdminURL(ev.ActionID),
		ActionID:       ev.ActionID,
		AdGroupID:      ev.Target.AdGroupID,
		SourceID:       ev.Target.SourceID,
		Message:        ev.Message,
	}

	hasDashboard := false
	source := fmt.Sprintf("source %d", ev.Target.SourceID)
	if t, err := h.resolver.Resolve(ctx, ev.Target); err != nil {
		h.logger.Warn("cannot resolve alert target, routing to engineering",
			"action_id", ev.ActionID, "error", err)
	} else {
		hasDashboard = t.HasDashboard
		details.SourceType = t.SourceType
		source = t.SourceType
	}

	return Incident{
		IncidentKey: IncidentKey,
		Description: fmt.Sprintf("Automatic stop of ad group %d on %s failed", ev.Target.AdGroupID, source),
		Details:     details,
		Route:       RouteFor(hasDashboard),
	}
}
