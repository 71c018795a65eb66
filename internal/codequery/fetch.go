package codequery

import (
	"context"

	"github.com/rs/zerolog/log"
)

// FetchedFile is the decoded text of one selected path.
type FetchedFile struct {
	Path    string
	Content string
}

// FetchContents retrieves each path in order. Paths that fail for any reason
// are logged and omitted.
func FetchContents(ctx context.Context, src ContentSource, installationID int64, owner, repo string, paths []string) []FetchedFile {
	out := make([]FetchedFile, 0, len(paths))
	if src == nil {
		return out
	}
	for _, p := range paths {
		content, err := src.GetFileContent(ctx, installationID, owner, repo, p)
		if err != nil {
			log.Warn().Err(err).Str("path", p).Msg("could not fetch file content, skipping")
			continue
		}
		out = append(out, FetchedFile{Path: p, Content: content})
	}
	return out
}
