package codequery

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/codelense/internal/ai"
)

var fileSelectionSchema = &ai.Schema{
	Type: "object",
	Properties: map[string]*ai.Schema{
		"selected_files": {
			Type:        "array",
			Description: "List of file paths that are most likely to contain the answer to the user's query",
			Items:       &ai.Schema{Type: "string"},
		},
	},
	Required: []string{"selected_files"},
}

type fileSelection struct {
	SelectedFiles []string `json:"selected_files"`
}

func selectionPrompt(query string, catalog []string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User query: %s\n\nHere is a list of files in the repository:\n", query)
	for _, fp := range catalog {
		fmt.Fprintf(&b, "- %s\n", fp)
	}
	fmt.Fprintf(&b, "\nSelect the %d file paths that are most likely to contain the answer to the user's query.\n", n)
	b.WriteString("Consider file extensions, naming patterns, and the nature of the query when making your selection.\n")
	b.WriteString("Only return files that actually exist in the provided list with the same full name and path.")
	return b.String()
}

// SelectFiles asks the model for the n catalog paths most relevant to query.
// The result is always a subset of catalog of length min(n, len(catalog)).
// Paths outside the catalog are dropped and the gap is filled from catalog
// order; a model failure yields the first n catalog entries.
func SelectFiles(ctx context.Context, gen ai.Generator, query string, catalog []string, n int) []string {
	if n <= 0 || len(catalog) == 0 {
		return []string{}
	}

	var picked []string
	if gen != nil {
		var sel fileSelection
		if err := gen.GenerateJSON(ctx, selectionPrompt(query, catalog, n), fileSelectionSchema, &sel); err != nil {
			log.Warn().Err(err).Msg("file selection failed, using catalog order")
		} else {
			picked = sel.SelectedFiles
		}
	}

	known := make(map[string]struct{}, len(catalog))
	for _, fp := range catalog {
		known[fp] = struct{}{}
	}

	out := make([]string, 0, min(n, len(catalog)))
	seen := make(map[string]struct{}, n)
	add := func(fp string) {
		if len(out) >= n {
			return
		}
		if _, ok := seen[fp]; ok {
			return
		}
		seen[fp] = struct{}{}
		out = append(out, fp)
	}

	dropped := 0
	for _, fp := range picked {
		fp = strings.TrimSpace(fp)
		if _, ok := known[fp]; !ok {
			dropped++
			continue
		}
		add(fp)
	}
	if dropped > 0 {
		log.Debug().Int("dropped", dropped).Msg("model selected paths outside the catalog")
	}
	for _, fp := range catalog {
		if len(out) >= n {
			break
		}
		add(fp)
	}
	return out
}
