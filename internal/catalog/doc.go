// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package catalog selects the models worth offering in the picker.
//
// The full OpenRouter listing runs to hundreds of entries, most of them
// useless for long chats. The filter keeps models from a provider
// allow-list with at least 64K of context, split into free and paid
// tiers by their listed pricing. A small SQLite cache keeps the last
// fetch so the picker opens instantly and works offline; it refreshes
// when stale or on demand.
//
// # Key Types
//
//   - Filter: provider, context and pricing predicate
//   - Option: one pickable model with its display label
//   - Cache: SQLite-backed offline copy of the listing
//   - Catalog: fetch-or-cache orchestration
//
// # Usage
//
//	cache, err := catalog.OpenCache(cachePath)
//	cat := catalog.New(client, cache)
//	options, err := cat.Models(ctx, false)
//	for _, opt := range options {
//	    fmt.Println(opt.Label())
//	}
package catalog
