// Package render turns raw message markdown into the stored HTML rendition
// and extracts @mentions from it.
package render

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// Cook renders the raw body to HTML. The rendered form is stored next to the
// raw body so readers never re-render.
func Cook(body string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(body), &buf); err != nil {
		return "", fmt.Errorf("render body: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Username follows an @ and stops at the first character that cannot appear
// in a username. A trailing dot or dash belongs to the sentence, not the
// name, and an @ embedded in a word (an email address) is not a mention.
var mentionPattern = regexp.MustCompile(`(?:^|[^\w@.])@([a-zA-Z0-9_](?:[a-zA-Z0-9_.-]*[a-zA-Z0-9_])?)`)

// ExtractMentions returns the distinct usernames mentioned in the raw body,
// lowercased, in order of first appearance.
func ExtractMentions(body string) []string {
	matches := mentionPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	var names []string
	seen := make(map[string]bool, len(matches))
	for _, match := range matches {
		name := strings.ToLower(match[1])
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}
