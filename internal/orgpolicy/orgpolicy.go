// Package orgpolicy resolves an organization's telemetry policy: defaults merged with the
// organization's overrides from a YAML file or Postgres.
package orgpolicy

import (
	"context"
	"log"

	"simlab-telemetry/internal/telemetry/domain"
)

// OverrideSource looks up the overrides an organization has set. It returns nil, nil when the
// organization has none.
type OverrideSource interface {
	Overrides(ctx context.Context, orgID string) (*domain.PolicyOverride, error)
}

// Resolver turns overrides into a complete, valid policy.
type Resolver struct {
	source OverrideSource
}

// NewResolver returns a Resolver over source. A nil source resolves every org to the defaults.
func NewResolver(source OverrideSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the policy for orgID. Guests and unknown orgs get the defaults. Lookup errors
// are returned so the caller can refuse to start a session rather than silently widen capture.
// Overrides that produce an invalid policy are logged and replaced by the defaults.
func (r *Resolver) Resolve(ctx context.Context, orgID string) (domain.OrgPolicy, error) {
	if r == nil || r.source == nil || orgID == "" {
		return domain.DefaultOrgPolicy(), nil
	}
	o, err := r.source.Overrides(ctx, orgID)
	if err != nil {
		return domain.OrgPolicy{}, err
	}
	p := domain.MergeWithDefaults(o)
	if err := p.Validate(); err != nil {
		log.Printf("telemetry: org %s policy override ignored: %v", orgID, err)
		return domain.DefaultOrgPolicy(), nil
	}
	return p, nil
}
