package pipeline

import (
	"fmt"
	"strings"

	"github.com/ternarybob/folio/internal/models"
	"github.com/ternarybob/folio/internal/services/export"
)

// FallbackOutline is used when the project carries no usable outline
var FallbackOutline = []string{"Introduction", "Core Concepts", "Hands-on Lab", "Review & Next Steps"}

// outlineFromProject extracts section titles from outline.plan.
// Accepts a list of strings, a list of {title} objects, or an object with sections/modules.
func outlineFromProject(p *models.Project) []string {
	var titles []string

	var collect func(v interface{})
	collect = func(v interface{}) {
		switch t := v.(type) {
		case string:
			for _, line := range strings.Split(t, "\n") {
				line = strings.TrimSpace(line)
				if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") {
					if title := strings.TrimSpace(strings.TrimLeft(line, "-* ")); title != "" {
						titles = append(titles, title)
					}
				}
			}
			if len(titles) == 0 && strings.TrimSpace(t) != "" && !strings.Contains(t, "\n") {
				titles = append(titles, strings.TrimSpace(t))
			}
		case []interface{}:
			for _, item := range t {
				switch it := item.(type) {
				case string:
					if s := strings.TrimSpace(it); s != "" {
						titles = append(titles, s)
					}
				case map[string]interface{}:
					if s, ok := it["title"].(string); ok && strings.TrimSpace(s) != "" {
						titles = append(titles, strings.TrimSpace(s))
					}
				}
			}
		case map[string]interface{}:
			for _, key := range []string{"sections", "modules", "chapters"} {
				if inner, ok := t[key]; ok {
					collect(inner)
					return
				}
			}
		}
	}
	collect(p.Outline.Plan)

	return titles
}

// buildManuscript writes one chapter per outline entry from the project intent
func buildManuscript(p *models.Project, outline []string) *export.Manuscript {
	m := &export.Manuscript{
		Title:    p.DisplayTitle(),
		Subtitle: p.Intent.Subtitle,
		Authors:  p.Intent.Authors,
	}

	audience := p.Intent.Audience
	if audience == "" {
		audience = "practitioners"
	}

	for i, title := range outline {
		var b strings.Builder
		fmt.Fprintf(&b, "This section covers **%s** for %s.\n\n", title, audience)
		if p.Intent.Tone != "" {
			fmt.Fprintf(&b, "Tone: %s.\n\n", p.Intent.Tone)
		}
		if p.Intent.Constraints != "" && i == 0 {
			fmt.Fprintf(&b, "Constraints:\n\n- %s\n\n", p.Intent.Constraints)
		}
		fmt.Fprintf(&b, "## Objectives\n\n- Understand %s\n- Apply it in practice\n\n", title)
		if strings.Contains(strings.ToLower(title), "lab") {
			b.WriteString("## Exercise\n\n```\n# follow the steps in this module\n```\n")
		}
		m.Chapters = append(m.Chapters, export.Chapter{Title: title, Body: b.String()})
	}
	return m
}
