package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

var (
	unsafeSlugChars = regexp.MustCompile(`[^a-zA-Z0-9]+`)
	dashboardName   = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\- !@$()*+?<>]+$`)
)

const (
	msgNameRequired = "Please enter a name"
	msgNamePattern  = "Please use letters and digits (start with one of these), and then spaces or these characters _-!@$()*+?<>"
)

// ValidateName checks a dashboard display name and returns it trimmed.
func ValidateName(label string) (string, error) {
	name := strings.TrimSpace(label)
	if name == "" {
		return "", schema.NewFieldError("name", msgNameRequired)
	}
	if !dashboardName.MatchString(name) {
		return "", schema.NewFieldError("name", msgNamePattern)
	}
	return name, nil
}

// BaseSlug collapses every run of non-alphanumeric characters to a hyphen and lower-cases.
func BaseSlug(label string) schema.Slug {
	return schema.Slug(strings.ToLower(unsafeSlugChars.ReplaceAllString(strings.TrimSpace(label), "-")))
}

// NameResolver turns display names into unused slugs.
// The probe and the later insert are not atomic; DashboardStore.Create rejects the loser.
type NameResolver struct {
	store       DashboardStore
	maxAttempts int
}

// NewNameResolver constructs a resolver probing at most maxAttempts candidates.
func NewNameResolver(store DashboardStore, maxAttempts int) *NameResolver {
	if maxAttempts <= 0 {
		maxAttempts = schema.DefaultMaxSlugAttempts
	}
	return &NameResolver{store: store, maxAttempts: maxAttempts}
}

// Resolve returns the first free slug among base, base-1, base-2, ...
// When every probe collides the last candidate is returned anyway.
func (r *NameResolver) Resolve(ctx context.Context, label string) (schema.Slug, error) {
	base := BaseSlug(label)
	candidate := base
	log := pslog.Ctx(ctx).With("slug_base", base)
	for attempt := 1; ; attempt++ {
		taken, err := r.taken(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			log.Debug("slug resolve ok", "slug", candidate, "attempts", attempt)
			return candidate, nil
		}
		if attempt >= r.maxAttempts {
			log.Warn("slug resolve exhausted", "slug", candidate, "attempts", attempt)
			return candidate, nil
		}
		candidate = schema.Slug(fmt.Sprintf("%s-%d", base, attempt))
	}
}

func (r *NameResolver) taken(ctx context.Context, slug schema.Slug) (bool, error) {
	_, err := r.store.FindBySlug(ctx, slug)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, schema.ErrDashboardNotFound) {
		return false, nil
	}
	return false, fmt.Errorf("lookup slug %q: %w", slug, err)
}
