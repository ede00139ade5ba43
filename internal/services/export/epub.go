package export

import (
	"archive/zip"
	"bytes"
	"fmt"
	"html"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

const epubContainer = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

const xhtmlPage = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><title>%s</title></head>
<body>
%s
</body>
</html>
`

// renderEPUB builds an EPUB 3 container: mimetype (stored), container.xml, package, nav and one page per chapter
func (s *Service) renderEPUB(m *Manuscript) ([]byte, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithXHTML()),
	)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	// The mimetype entry must come first and be uncompressed
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "mimetype", Method: zip.Store})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte("application/epub+zip")); err != nil {
		return nil, err
	}

	files := []struct {
		name string
		body string
	}{
		{"META-INF/container.xml", epubContainer},
	}

	var manifest, spine, nav bytes.Buffer
	for i, ch := range m.Chapters {
		id := fmt.Sprintf("ch%02d", i+1)
		var body bytes.Buffer
		fmt.Fprintf(&body, "<h1>%s</h1>\n", html.EscapeString(ch.Title))
		if err := md.Convert([]byte(ch.Body), &body); err != nil {
			return nil, fmt.Errorf("failed to convert chapter %q: %w", ch.Title, err)
		}
		files = append(files, struct {
			name string
			body string
		}{"OEBPS/" + id + ".xhtml", fmt.Sprintf(xhtmlPage, html.EscapeString(ch.Title), body.String())})

		fmt.Fprintf(&manifest, `    <item id="%s" href="%s.xhtml" media-type="application/xhtml+xml"/>`+"\n", id, id)
		fmt.Fprintf(&spine, `    <itemref idref="%s"/>`+"\n", id)
		fmt.Fprintf(&nav, `      <li><a href="%s.xhtml">%s</a></li>`+"\n", id, html.EscapeString(ch.Title))
	}

	navBody := fmt.Sprintf("<nav epub:type=\"toc\" id=\"toc\">\n  <h1>Contents</h1>\n  <ol>\n%s  </ol>\n</nav>", nav.String())
	files = append(files, struct {
		name string
		body string
	}{"OEBPS/nav.xhtml", fmt.Sprintf(xhtmlPage, "Contents", navBody)})

	opf := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="bookid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:identifier id="bookid">urn:uuid:%s</dc:identifier>
    <dc:title>%s</dc:title>
    <dc:creator>%s</dc:creator>
    <dc:language>en</dc:language>
    <meta property="dcterms:modified">%s</meta>
  </metadata>
  <manifest>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
%s  </manifest>
  <spine>
%s  </spine>
</package>
`, uuid.NewString(), html.EscapeString(m.Title), html.EscapeString(m.AuthorLine()),
		time.Now().UTC().Format("2006-01-02T15:04:05Z"), manifest.String(), spine.String())
	files = append(files, struct {
		name string
		body string
	}{"OEBPS/content.opf", opf})

	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
