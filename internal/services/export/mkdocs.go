package export

import (
	"archive/zip"
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

type mkdocsConfig struct {
	SiteName   string              `yaml:"site_name"`
	SiteAuthor string              `yaml:"site_author,omitempty"`
	Theme      mkdocsTheme         `yaml:"theme"`
	Nav        []map[string]string `yaml:"nav"`
}

type mkdocsTheme struct {
	Name string `yaml:"name"`
}

// renderMkDocs zips a ready-to-build MkDocs project: mkdocs.yml plus docs/
func (s *Service) renderMkDocs(m *Manuscript) ([]byte, error) {
	cfg := mkdocsConfig{
		SiteName:   m.Title,
		SiteAuthor: m.AuthorLine(),
		Theme:      mkdocsTheme{Name: "material"},
		Nav:        []map[string]string{{"Home": "index.md"}},
	}

	pages := map[string]string{}
	var order []string

	index := fmt.Sprintf("# %s\n\n", m.Title)
	if m.Subtitle != "" {
		index += m.Subtitle + "\n"
	}
	pages["docs/index.md"] = index
	order = append(order, "docs/index.md")

	for i, ch := range m.Chapters {
		name := fmt.Sprintf("%02d-%s.md", i+1, slugify(ch.Title))
		cfg.Nav = append(cfg.Nav, map[string]string{ch.Title: name})
		pages["docs/"+name] = fmt.Sprintf("# %s\n\n%s\n", ch.Title, ch.Body)
		order = append(order, "docs/"+name)
	}

	yml, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mkdocs.yml: %w", err)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.Create("mkdocs.yml")
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(yml); err != nil {
		return nil, err
	}

	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(pages[name])); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
