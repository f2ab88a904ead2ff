// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"context"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cityba/openai-hub/internal/openrouter"
)

// =============================================================================
// FILTER
// =============================================================================

// DefaultProviders is the provider allow-list. Matching is by substring
// of the model ID, so "meta" covers "meta-llama/llama-3.3-70b-instruct".
var DefaultProviders = []string{
	"deepseek", "openrouter", "google", "mistral", "meta", "moonshotai", "anthropic",
}

// MinContextSize excludes models too small for long-running chats with a
// six-message history window.
const MinContextSize = 64000

// Filter is the predicate deciding which catalog entries reach the
// picker.
type Filter struct {
	// Providers is matched as substrings of the model ID. Empty allows
	// every provider.
	Providers []string

	// MinContext excludes models with a smaller context window.
	MinContext int

	// FreeOnly keeps only models with zero prompt and completion price.
	FreeOnly bool
}

// DefaultFilter mirrors the picker's startup state: allow-listed
// providers, 64K minimum context, free models only.
func DefaultFilter() Filter {
	return Filter{
		Providers:  DefaultProviders,
		MinContext: MinContextSize,
		FreeOnly:   true,
	}
}

// Match reports whether a single model passes the filter.
func (f Filter) Match(m openrouter.ModelInfo) bool {
	if len(f.Providers) > 0 {
		found := false
		for _, p := range f.Providers {
			if strings.Contains(m.ID, p) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.ContextSize < f.MinContext {
		return false
	}
	if f.FreeOnly && !m.IsFree() {
		return false
	}
	return true
}

// Apply filters a listing down to pickable options, sorted by ID.
func (f Filter) Apply(models []openrouter.ModelInfo) []Option {
	var options []Option
	for _, m := range models {
		if !f.Match(m) {
			continue
		}
		options = append(options, Option{
			ID:      m.ID,
			Context: m.ContextSize,
			Free:    m.IsFree(),
		})
	}
	sort.Slice(options, func(i, j int) bool {
		return options[i].ID < options[j].ID
	})
	return options
}

// =============================================================================
// OPTION
// =============================================================================

// Option is one pickable model.
type Option struct {
	ID      string
	Context int
	Free    bool
}

// Label renders the picker line, like
// "deepseek/deepseek-chat | 128K | free".
func (o Option) Label() string {
	tier := "paid"
	if o.Free {
		tier = "free"
	}
	return o.ID + " | " + strconv.Itoa(o.Context/1024) + "K | " + tier
}

// =============================================================================
// CATALOG
// =============================================================================

// DefaultMaxAge is how old a cached listing may be before a refresh is
// attempted.
const DefaultMaxAge = 24 * time.Hour

// Catalog serves the filtered model list, preferring a fresh cache,
// refreshing from the network when stale, and falling back to a stale
// cache when offline.
type Catalog struct {
	client *openrouter.Client
	cache  *Cache
	filter Filter
	maxAge time.Duration
	logger *log.Logger
}

// New creates a catalog. cache may be nil, which disables the offline
// copy and makes every call hit the network.
func New(client *openrouter.Client, cache *Cache) *Catalog {
	return &Catalog{
		client: client,
		cache:  cache,
		filter: DefaultFilter(),
		maxAge: DefaultMaxAge,
		logger: log.New(io.Discard, "", 0),
	}
}

// WithFilter replaces the filter.
func (c *Catalog) WithFilter(f Filter) *Catalog {
	c.filter = f
	return c
}

// WithMaxAge sets the cache staleness threshold.
func (c *Catalog) WithMaxAge(d time.Duration) *Catalog {
	c.maxAge = d
	return c
}

// WithLogger sets the logger for cache fallback diagnostics.
func (c *Catalog) WithLogger(logger *log.Logger) *Catalog {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c.logger = logger
	return c
}

// SetFreeOnly flips the pricing filter, preserving the rest.
func (c *Catalog) SetFreeOnly(freeOnly bool) {
	c.filter.FreeOnly = freeOnly
}

// Models returns the filtered options. A fresh cache short-circuits the
// network; force skips that and always refetches. When the network fails
// and any cached copy exists, the stale copy is served instead of the
// error.
//
// CLOUD: The model picker must open on a train. Offline use degrades to
// yesterday's listing, never to an empty picker.
func (c *Catalog) Models(ctx context.Context, force bool) ([]Option, error) {
	if !force && c.cache != nil {
		if age, err := c.cache.Age(); err == nil && age <= c.maxAge {
			if models, err := c.cache.LoadAll(); err == nil && len(models) > 0 {
				return c.filter.Apply(models), nil
			}
		}
	}

	models, err := c.client.ListModels(ctx)
	if err != nil {
		if c.cache != nil {
			if cached, cacheErr := c.cache.LoadAll(); cacheErr == nil && len(cached) > 0 {
				c.logger.Printf("model listing failed, serving cached catalog: %v", err)
				return c.filter.Apply(cached), nil
			}
		}
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.ReplaceAll(models); err != nil {
			c.logger.Printf("failed to cache model catalog: %v", err)
		}
	}
	return c.filter.Apply(models), nil
}
