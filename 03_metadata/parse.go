package metadata

import (
	"strings"

	"media-publish-pipeline/types"
)

const (
	prefixTitle       = "TITLE:"
	prefixDescription = "DESCRIPTION:"
	prefixTags        = "TAGS:"
)

// ParseResponse reads the TITLE:/DESCRIPTION:/TAGS: lines out of free text.
// Lines are trimmed before matching, the first line for each prefix wins and
// any field without a line stays empty. Everything else is ignored.
func ParseResponse(text string) types.Metadata {
	var md types.Metadata
	var haveTitle, haveDesc, haveTags bool

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case !haveTitle && strings.HasPrefix(line, prefixTitle):
			md.Title = strings.TrimSpace(line[len(prefixTitle):])
			haveTitle = true
		case !haveDesc && strings.HasPrefix(line, prefixDescription):
			md.Description = strings.TrimSpace(line[len(prefixDescription):])
			haveDesc = true
		case !haveTags && strings.HasPrefix(line, prefixTags):
			md.Tags = strings.TrimSpace(line[len(prefixTags):])
			haveTags = true
		}
	}
	return md
}
