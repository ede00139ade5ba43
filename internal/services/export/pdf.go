package export

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

const (
	pdfFont      = "Arial"
	pdfBodySize  = 10.0
	pdfLineH     = 5.0
	pdfLeftEdge  = 15.0
	pdfRightEdge = 195.0
)

func (s *Service) renderPDF(m *Manuscript) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(m.Title, true)
	pdf.SetAuthor(m.AuthorLine(), true)
	pdf.SetMargins(pdfLeftEdge, 15, 15)
	pdf.SetAutoPageBreak(true, 15)

	// Core fonts are cp1252; translate so accented text survives
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	// Title page
	pdf.AddPage()
	pdf.SetFont(pdfFont, "B", 22)
	pdf.Ln(60)
	pdf.MultiCell(0, 10, tr(m.Title), "", "C", false)
	if m.Subtitle != "" {
		pdf.SetFont(pdfFont, "I", 14)
		pdf.MultiCell(0, 8, tr(m.Subtitle), "", "C", false)
	}
	pdf.Ln(10)
	pdf.SetFont(pdfFont, "", 12)
	pdf.MultiCell(0, 6, tr(m.AuthorLine()), "", "C", false)

	md := goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

	for _, ch := range m.Chapters {
		pdf.AddPage()
		pdf.SetFont(pdfFont, "B", 16)
		pdf.MultiCell(0, 8, tr(ch.Title), "", "L", false)
		pdf.Ln(4)
		pdf.SetFont(pdfFont, "", pdfBodySize)

		source := []byte(ch.Body)
		doc := md.Parser().Parse(text.NewReader(source))
		r := &pdfRenderer{pdf: pdf, source: source, tr: tr}
		if err := ast.Walk(doc, r.walk); err != nil {
			return nil, fmt.Errorf("failed to render chapter %q: %w", ch.Title, err)
		}
	}

	if err := pdf.Error(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF output: %w", err)
	}
	return buf.Bytes(), nil
}

// pdfRenderer walks a chapter's Markdown AST and draws it with fpdf
type pdfRenderer struct {
	pdf       *fpdf.Fpdf
	source    []byte
	tr        func(string) string
	bold      bool
	italic    bool
	listLevel int
}

func (r *pdfRenderer) setFont() {
	style := ""
	if r.bold {
		style += "B"
	}
	if r.italic {
		style += "I"
	}
	r.pdf.SetFont(pdfFont, style, pdfBodySize)
}

func (r *pdfRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if entering {
			size := 13.0
			if node.Level > 2 {
				size = 11
			}
			r.pdf.Ln(4)
			r.pdf.SetFont(pdfFont, "B", size)
		} else {
			r.pdf.Ln(7)
			r.setFont()
		}
	case *ast.Paragraph:
		if !entering {
			r.pdf.Ln(7)
		}
	case *ast.Text:
		if entering {
			r.pdf.Write(pdfLineH, r.tr(string(node.Segment.Value(r.source))))
			if node.SoftLineBreak() {
				r.pdf.Write(pdfLineH, " ")
			}
		}
	case *ast.Emphasis:
		if node.Level == 2 {
			r.bold = entering
		} else {
			r.italic = entering
		}
		r.setFont()
	case *ast.CodeSpan:
		if entering {
			r.pdf.SetFont("Courier", "", pdfBodySize)
			r.pdf.Write(pdfLineH, r.tr(string(node.Text(r.source))))
			r.setFont()
		}
		return ast.WalkSkipChildren, nil
	case *ast.FencedCodeBlock:
		if entering {
			r.codeBlock(node.Lines())
		}
		return ast.WalkSkipChildren, nil
	case *ast.CodeBlock:
		if entering {
			r.codeBlock(node.Lines())
		}
		return ast.WalkSkipChildren, nil
	case *ast.List:
		if entering {
			r.listLevel++
		} else {
			r.listLevel--
			if r.listLevel == 0 {
				r.pdf.Ln(2)
			}
		}
	case *ast.ListItem:
		if entering {
			r.pdf.Ln(pdfLineH)
			r.pdf.SetX(pdfLeftEdge + float64(r.listLevel)*5)
			r.pdf.Write(pdfLineH, "- ")
		}
	case *ast.ThematicBreak:
		if entering {
			r.pdf.Ln(2)
			r.pdf.Line(pdfLeftEdge, r.pdf.GetY(), pdfRightEdge, r.pdf.GetY())
			r.pdf.Ln(2)
		}
	}
	return ast.WalkContinue, nil
}

func (r *pdfRenderer) codeBlock(lines *text.Segments) {
	r.pdf.Ln(2)
	r.pdf.SetFont("Courier", "", 9)
	r.pdf.SetFillColor(245, 245, 245)
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		r.pdf.MultiCell(0, pdfLineH, r.tr(string(seg.Value(r.source))), "", "L", true)
	}
	r.pdf.SetFillColor(255, 255, 255)
	r.setFont()
	r.pdf.Ln(2)
}

// pageCount reads the written PDF back with pdfcpu
func pageCount(path string) (int, error) {
	ctx, err := api.ReadContextFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read PDF: %w", err)
	}
	return ctx.PageCount, nil
}
