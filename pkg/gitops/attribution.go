package gitops

import (
	"regexp"
	"strings"
)

var attributionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^🤖 Generated with .*$`),
	regexp.MustCompile(`(?m)^Generated with \[[^\]]*\]\([^)]*\)\s*$`),
	regexp.MustCompile(`(?m)^Co-Authored-By: Claude[^\n]*$`),
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// StripAttribution removes machine-generated attribution trailers from a
// commit message and collapses the blank lines they leave behind.
func StripAttribution(message string) string {
	out := message
	for _, p := range attributionPatterns {
		out = p.ReplaceAllString(out, "")
	}
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
