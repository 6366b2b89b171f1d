package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/spf13/cobra"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
	"github.com/entrepeneur4lyf/forgechat/internal/llm/providers"
)

var (
	modelsFavoritesOnly bool
	modelsStar          string
	modelsUse           string
	modelsJSON          bool
)

// filterModels keeps the models matching query, closest first, with
// favorites ahead of the rest
func filterModels(models []llm.ModelInfo, query string, favorites []string) []llm.ModelInfo {
	out := slices.Clone(models)
	if query != "" {
		targets := make([]string, len(models))
		for i, m := range models {
			targets[i] = m.ID + " " + m.DisplayName
		}
		ranks := fuzzy.RankFindFold(query, targets)
		sort.Stable(ranks)
		out = make([]llm.ModelInfo, 0, len(ranks))
		for _, r := range ranks {
			out = append(out, models[r.OriginalIndex])
		}
	}
	slices.SortStableFunc(out, func(a, b llm.ModelInfo) int {
		fa, fb := slices.Contains(favorites, a.ID), slices.Contains(favorites, b.ID)
		switch {
		case fa && !fb:
			return -1
		case fb && !fa:
			return 1
		}
		return 0
	})
	return out
}

// tokenCount renders a token limit as 8192, 128k or 1M
func tokenCount(n int) string {
	switch {
	case n <= 0:
		return "-"
	case n >= 1_000_000 && n%1_000_000 == 0:
		return fmt.Sprintf("%dM", n/1_000_000)
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 10_000:
		return fmt.Sprintf("%dk", n/1000)
	}
	return fmt.Sprint(n)
}

func printModels(w io.Writer, models []llm.ModelInfo, favorites []string, current string) {
	for _, m := range models {
		mark := "  "
		if slices.Contains(favorites, m.ID) {
			mark = favoriteStyle.Render("★ ")
		}
		id := m.ID
		if id == current {
			id = okStyle.Render(id + " (current)")
		}
		var caps []string
		if m.SupportsTools {
			caps = append(caps, "tools")
		}
		if m.SupportsThinking {
			caps = append(caps, "thinking")
		}
		if m.SupportsImages {
			caps = append(caps, "images")
		}
		fmt.Fprintf(w, "%s%-45s %8s in %8s out  %s\n", mark, id,
			tokenCount(m.MaxInputTokens), tokenCount(m.MaxOutputTokens), dimStyle.Render(fmt.Sprint(caps)))
	}
}

var modelsCmd = &cobra.Command{
	Use:   "models [query]",
	Short: "List the models of a provider",
	Long: `List the models offered by the selected provider, fuzzy-filtered by an
optional query. Favorites are listed first and marked with a star.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		if modelsStar != "" {
			on, err := a.state.ToggleFavorite(modelsStar)
			if err != nil {
				return err
			}
			if on {
				fmt.Fprintln(out, favoriteStyle.Render("★ ")+modelsStar+" added to favorites")
			} else {
				fmt.Fprintln(out, modelsStar+" removed from favorites")
			}
			return nil
		}
		if modelsUse != "" {
			name := providers.Resolve(provider, modelsUse, a.cfg.DefaultProvider())
			if err := a.state.UpdateModel(name, modelsUse); err != nil {
				return err
			}
			fmt.Fprintf(out, "Default model set to %s (%s)\n", modelsUse, name)
			return nil
		}

		sel := a.resolve("", "")
		p, err := a.provider(sel.Provider)
		if err != nil {
			return err
		}
		models, err := p.ListModels(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list %s models: %w", sel.Provider, err)
		}

		favorites := a.state.Favorites()
		query := ""
		if len(args) > 0 {
			query = args[0]
		}
		models = filterModels(models, query, favorites)
		if modelsFavoritesOnly {
			models = slices.DeleteFunc(models, func(m llm.ModelInfo) bool {
				return !slices.Contains(favorites, m.ID)
			})
		}

		if modelsJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(models)
		}
		if len(models) == 0 {
			fmt.Fprintln(out, "No models found")
			return nil
		}
		fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s models (%d)", sel.Provider, len(models))))
		printModels(out, models, favorites, sel.Model)
		return nil
	},
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsFavoritesOnly, "favorites", false, "Only list favorite models")
	modelsCmd.Flags().StringVar(&modelsStar, "star", "", "Toggle a model as favorite")
	modelsCmd.Flags().StringVar(&modelsUse, "use", "", "Make a model the default for new sessions")
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Print JSON")
	rootCmd.AddCommand(modelsCmd)
}
