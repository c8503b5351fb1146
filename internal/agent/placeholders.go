package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/spboyer/agentsphere/internal/models"
)

// Placeholder produces the current value of a {name} placeholder.
type Placeholder func(ctx context.Context) (string, error)

var placeholderPattern = regexp.MustCompile(`\{(\w+)\}`)

// Render replaces {name} in every message with the value of the matching
// placeholder. Each placeholder is evaluated at most once per call; unknown
// names are left as written.
func Render(ctx context.Context, templates []models.Message, values map[string]Placeholder) []models.Message {
	out := make([]models.Message, len(templates))
	cache := make(map[string]string)
	for i, m := range templates {
		m.Content = placeholderPattern.ReplaceAllStringFunc(m.Content, func(match string) string {
			name := match[1 : len(match)-1]
			if v, ok := cache[name]; ok {
				return v
			}
			fn, ok := values[name]
			if !ok {
				return match
			}
			v, err := fn(ctx)
			if err != nil {
				v = fmt.Sprintf("(unavailable: %v)", err)
			}
			cache[name] = v
			return v
		})
		out[i] = m
	}
	return out
}

// FilesPlaceholder renders the repository's files with their contents.
func FilesPlaceholder(repo Repository) Placeholder {
	return func(ctx context.Context) (string, error) {
		files, err := repo.LoadFiles(ctx)
		if err != nil {
			return "", err
		}
		return formatFiles(files, true), nil
	}
}

func formatFiles(files map[string]string, withContent bool) string {
	if len(files) == 0 {
		return "(no files)"
	}
	var b strings.Builder
	for _, path := range (RepositoryUpdate{Files: files}).Paths() {
		if !withContent {
			fmt.Fprintf(&b, "- %s\n", path)
			continue
		}
		fmt.Fprintf(&b, "%s:\n```\n%s\n```\n", path, strings.TrimRight(files[path], "\n"))
	}
	return b.String()
}
