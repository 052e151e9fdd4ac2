// Package targets resolves an action's target (ad group on a media source)
// into the source identity the worker needs: source type, credentials
// reference and whether the source exposes a dashboard to operators.
package targets

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/actiond/pkg/actionlog"
)

// ErrUnknownTarget is returned when no source is registered for a target.
var ErrUnknownTarget = errors.New("targets: unknown target")

// Target is the resolved view of an ad group on a media source.
type Target struct {
	Ref            actionlog.TargetRef `json:"ref"`
	SourceType     string              `json:"source_type"`
	CredentialsRef string              `json:"credentials_ref,omitempty"`
	HasDashboard   bool                `json:"has_dashboard"`
}

// Resolver looks up targets.
type Resolver interface {
	Resolve(ctx context.Context, ref actionlog.TargetRef) (*Target, error)
}
