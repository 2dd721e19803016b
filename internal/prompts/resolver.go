// Package prompts resolves the active instruction text of each pipeline stage.
//
// Stored overrides are looked up by slug and cached process-wide with a TTL;
// missing overrides fall back to the compiled-in defaults. Multiple service
// instances each hold their own cache, so an override saved on one instance
// becomes visible on the others only after their entries expire.
package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"sopforge/backend/internal/errors"
	"sopforge/backend/pkg/models"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// DefaultTTL is how long a resolved prompt stays cached.
const DefaultTTL = 5 * time.Minute

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Warn(msg string, args ...any)
}

// Store is the persistence the resolver reads overrides from.
type Store interface {
	GetActivePrompt(ctx context.Context, slug string) (*models.PromptVersion, error)
}

// Prompt is resolved instruction text. Version is 0 for compiled-in defaults.
type Prompt struct {
	Slug    string
	Text    string
	Version int
}

type entry struct {
	override *models.PromptVersion // nil caches "no override"
	expires  time.Time
}

// Resolver returns the active prompt per stage slug.
type Resolver struct {
	store    Store
	logger   Logger
	ttl      time.Duration
	now      func() time.Time
	defaults map[string]string

	mu    sync.RWMutex
	cache map[string]entry
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTTL sets the cache TTL.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock replaces the clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the logger used for swallowed storage errors.
func WithLogger(logger Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver creates a Resolver over store with the compiled-in defaults.
func NewResolver(store Store, opts ...Option) (*Resolver, error) {
	defaults, err := LoadDefaults(defaultsYAML)
	if err != nil {
		return nil, err
	}
	r := &Resolver{
		store:    store,
		ttl:      DefaultTTL,
		now:      time.Now,
		defaults: defaults,
		cache:    make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// LoadDefaults parses a slug → text YAML document.
func LoadDefaults(data []byte) (map[string]string, error) {
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse default prompts: %w", err)
	}
	defaults := make(map[string]string, len(raw))
	for slug, text := range raw {
		defaults[NormalizeSlug(slug)] = strings.TrimSpace(text)
	}
	for _, stage := range models.AllStages {
		if defaults[stage.Slug()] == "" {
			return nil, fmt.Errorf("missing default prompt for %s", stage.Slug())
		}
	}
	return defaults, nil
}

// NormalizeSlug trims, lower-cases and NFKC-normalises a slug.
func NormalizeSlug(slug string) string {
	return norm.NFKC.String(strings.ToLower(strings.TrimSpace(slug)))
}

// Resolve returns the active prompt for slug. Storage errors are logged and
// treated as "no override".
func (r *Resolver) Resolve(ctx context.Context, slug string) (Prompt, error) {
	key := NormalizeSlug(slug)
	fallback, known := r.defaults[key]

	if e, ok := r.cached(key); ok {
		return r.promptFor(key, e.override, fallback, known)
	}

	override, err := r.store.GetActivePrompt(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrNotFound):
		override = nil
	default:
		if r.logger != nil {
			r.logger.Warn("prompt lookup failed, using default", "slug", key, "error", err)
		}
		override = nil
	}

	r.mu.Lock()
	r.cache[key] = entry{override: override, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return r.promptFor(key, override, fallback, known)
}

func (r *Resolver) cached(key string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.cache[key]
	if !ok || !r.now().Before(e.expires) {
		return entry{}, false
	}
	return e, true
}

func (r *Resolver) promptFor(key string, override *models.PromptVersion, fallback string, known bool) (Prompt, error) {
	if override != nil && override.Body != "" {
		return Prompt{Slug: key, Text: override.Body, Version: override.Version}, nil
	}
	if !known {
		return Prompt{}, fmt.Errorf("no prompt for slug %q: %w", key, errors.ErrNotFound)
	}
	return Prompt{Slug: key, Text: fallback}, nil
}

// Invalidate purges one slug, or every entry when slug is "*" or empty.
func (r *Resolver) Invalidate(slug string) {
	key := NormalizeSlug(slug)
	r.mu.Lock()
	defer r.mu.Unlock()
	if key == "" || key == "*" {
		r.cache = make(map[string]entry)
		return
	}
	delete(r.cache, key)
}

// Known reports whether slug names a stage prompt.
func (r *Resolver) Known(slug string) bool {
	_, ok := r.defaults[NormalizeSlug(slug)]
	return ok
}
