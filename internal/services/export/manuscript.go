package export

import (
	"fmt"
	"regexp"
	"strings"
)

// Manuscript is the structured content every exporter renders
type Manuscript struct {
	Title    string
	Subtitle string
	Authors  []string
	Chapters []Chapter
}

// Chapter is one top-level section. Body is Markdown without the chapter heading.
type Chapter struct {
	Title string
	Body  string
}

// Markdown renders the whole manuscript as a single Markdown document
func (m *Manuscript) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", m.Title)
	if m.Subtitle != "" {
		fmt.Fprintf(&b, "*%s*\n\n", m.Subtitle)
	}
	if len(m.Authors) > 0 {
		fmt.Fprintf(&b, "By %s\n\n", strings.Join(m.Authors, ", "))
	}
	for _, ch := range m.Chapters {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", ch.Title, strings.TrimSpace(ch.Body))
	}
	return b.String()
}

// AuthorLine joins the authors for title pages
func (m *Manuscript) AuthorLine() string {
	if len(m.Authors) == 0 {
		return "Anonymous"
	}
	return strings.Join(m.Authors, ", ")
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if slug == "" {
		return "section"
	}
	return slug
}
