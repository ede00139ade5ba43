package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/folio/internal/models"
)

// Format describes one output an exporter can produce
type Format struct {
	ID       string
	Label    string
	Filename string
	render   func(s *Service, m *Manuscript) ([]byte, error)
}

var formats = map[string]Format{
	"pdf":      {ID: "pdf", Label: "Print PDF", Filename: "print.pdf", render: (*Service).renderPDF},
	"epub":     {ID: "epub", Label: "EPUB", Filename: "book.epub", render: (*Service).renderEPUB},
	"mkdocs":   {ID: "mkdocs", Label: "MkDocs Site", Filename: "site.zip", render: (*Service).renderMkDocs},
	"springer": {ID: "springer", Label: "Springer LaTeX", Filename: "main.tex", render: (*Service).renderSpringer},
}

// Formats returns the supported output ids in stable order
func Formats() []string {
	ids := make([]string, 0, len(formats))
	for id := range formats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LookupFormat returns the format registered under id
func LookupFormat(id string) (Format, bool) {
	f, ok := formats[id]
	return f, ok
}

// Service renders manuscripts into publication files
type Service struct {
	logger arbor.ILogger
}

// NewService creates a new export service
func NewService(logger arbor.ILogger) *Service {
	return &Service{logger: logger}
}

// Export renders m in the given format and writes it into dir.
// The file is written to a temp name and renamed, so a listed artifact is always complete.
// The returned artifact has no href; the caller knows where it is served from.
func (s *Service) Export(formatID string, m *Manuscript, dir string) (models.Artifact, error) {
	f, ok := formats[formatID]
	if !ok {
		return models.Artifact{}, fmt.Errorf("unsupported export format: %s", formatID)
	}

	data, err := f.render(s, m)
	if err != nil {
		return models.Artifact{}, fmt.Errorf("failed to render %s: %w", formatID, err)
	}

	path, err := WriteFile(dir, f.Filename, data)
	if err != nil {
		return models.Artifact{}, err
	}

	artifact := models.Artifact{
		ID:     f.ID,
		Label:  f.Label,
		Status: models.ArtifactReady,
		Bytes:  int64(len(data)),
		Meta: map[string]interface{}{
			"filename": f.Filename,
			"format":   f.ID,
		},
	}

	if f.ID == "pdf" {
		if pages, err := pageCount(path); err == nil {
			artifact.Meta["pages"] = pages
		} else {
			s.logger.Warn().Err(err).Str("path", path).Msg("Failed to read PDF page count")
		}
	}

	s.logger.Debug().
		Str("format", f.ID).
		Str("path", path).
		Int("bytes", len(data)).
		Msg("Artifact exported")

	return artifact, nil
}

// WriteFile atomically writes data as dir/filename and returns the final path
func WriteFile(dir, filename string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".tmp-"+filename+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close %s: %w", filename, err)
	}

	final := filepath.Join(dir, filename)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to finalize %s: %w", filename, err)
	}
	return final, nil
}
