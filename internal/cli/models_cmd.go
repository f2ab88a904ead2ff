// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// models_cmd.go - Model catalog listing for openai-hub.
//
// Commands:
//   models                 List models passing the configured filter
//     --refresh            Force a catalog refetch
//     --all                Include paid models
//     --provider NAME      Restrict to one provider

package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cityba/openai-hub/internal/catalog"
)

// RunModels lists the model catalog.
func RunModels(app *App, args Args) error {
	if app.Catalog == nil {
		return errors.New("the model catalog is not available")
	}

	parser := NewArgParser(args.Raw)
	force := parser.BoolFlag("refresh")

	if parser.BoolFlag("all") {
		app.Catalog.SetFreeOnly(false)
	}
	if provider := parser.Flag("provider"); provider != "" {
		filter := catalog.DefaultFilter()
		filter.Providers = []string{provider}
		filter.FreeOnly = !parser.BoolFlag("all")
		app.Catalog.WithFilter(filter)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	options, err := app.Catalog.Models(ctx, force)
	if err != nil {
		return fmt.Errorf("catalog unavailable: %w", err)
	}

	if len(options) == 0 {
		fmt.Println(DimStyle.Render("No models pass the configured filter."))
		return nil
	}

	active := ""
	if app.Client != nil {
		active = app.Client.Model()
	}

	fmt.Println(TitleStyle.Render("Models"))
	for _, opt := range options {
		line := opt.Label()
		tier := "paid"
		if opt.Free {
			tier = "free"
		}
		// Color the tier word at the end of the label line.
		if idx := strings.LastIndex(line, tier); idx >= 0 {
			styled := FreeStyle
			if !opt.Free {
				styled = PaidStyle
			}
			line = line[:idx] + styled.Render(tier)
		}

		marker := "  "
		if opt.ID == active {
			marker = HighlightStyle.Render("> ")
		}
		fmt.Printf("%s%s\n", marker, line)
	}

	fmt.Println()
	fmt.Printf("%s %d models\n", LabelStyle.Render("Total:"), len(options))
	return nil
}
