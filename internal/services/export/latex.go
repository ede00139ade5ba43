package export

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// LaTeX braces clash with the default template delimiters
var springerTemplate = template.Must(template.New("springer").Delims("[[", "]]").Parse(`\documentclass[graybox,envcountchap,sectrefs]{svmono}

\usepackage{graphicx}
\usepackage{hyperref}
\usepackage{amsmath,amssymb}
\usepackage{listings}
\usepackage{enumitem}
\usepackage{geometry}
\geometry{margin=1.1in}

\title{[[.Title]]}
\author{[[.Author]]}

\begin{document}
\maketitle
\tableofcontents
[[range .Chapters]]
\chapter{[[.Title]]}
[[.Body]]
[[end]]
\end{document}
`))

type latexChapter struct {
	Title string
	Body  string
}

// renderSpringer emits a main.tex for the Springer svmono class. Compiling it is left to the author.
func (s *Service) renderSpringer(m *Manuscript) ([]byte, error) {
	md := goldmark.New()

	data := struct {
		Title    string
		Author   string
		Chapters []latexChapter
	}{
		Title:  escapeTeX(m.Title),
		Author: escapeTeX(m.AuthorLine()),
	}

	for _, ch := range m.Chapters {
		source := []byte(ch.Body)
		doc := md.Parser().Parse(text.NewReader(source))
		r := &latexRenderer{source: source}
		if err := ast.Walk(doc, r.walk); err != nil {
			return nil, fmt.Errorf("failed to render chapter %q: %w", ch.Title, err)
		}
		data.Chapters = append(data.Chapters, latexChapter{
			Title: escapeTeX(ch.Title),
			Body:  strings.TrimSpace(r.out.String()),
		})
	}

	var buf bytes.Buffer
	if err := springerTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type latexRenderer struct {
	source []byte
	out    bytes.Buffer
}

func (r *latexRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if entering {
			cmd := `\section{`
			if node.Level > 2 {
				cmd = `\subsection{`
			}
			r.out.WriteString("\n" + cmd)
		} else {
			r.out.WriteString("}\n")
		}
	case *ast.Paragraph:
		if !entering {
			r.out.WriteString("\n\n")
		}
	case *ast.Text:
		if entering {
			r.out.WriteString(escapeTeX(string(node.Segment.Value(r.source))))
			if node.SoftLineBreak() {
				r.out.WriteString("\n")
			}
		}
	case *ast.Emphasis:
		if entering {
			if node.Level == 2 {
				r.out.WriteString(`\textbf{`)
			} else {
				r.out.WriteString(`\emph{`)
			}
		} else {
			r.out.WriteString("}")
		}
	case *ast.CodeSpan:
		if entering {
			r.out.WriteString(`\texttt{` + escapeTeX(string(node.Text(r.source))) + "}")
		}
		return ast.WalkSkipChildren, nil
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			r.out.WriteString("\\begin{lstlisting}\n")
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				r.out.Write(seg.Value(r.source))
			}
			r.out.WriteString("\\end{lstlisting}\n\n")
		}
		return ast.WalkSkipChildren, nil
	case *ast.List:
		env := "itemize"
		if node.IsOrdered() {
			env = "enumerate"
		}
		if entering {
			r.out.WriteString(`\begin{` + env + "}\n")
		} else {
			r.out.WriteString(`\end{` + env + "}\n\n")
		}
	case *ast.ListItem:
		if entering {
			r.out.WriteString(`\item `)
		} else {
			r.out.WriteString("\n")
		}
	}
	return ast.WalkContinue, nil
}

var texReplacer = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	`{`, `\{`,
	`}`, `\}`,
	`$`, `\$`,
	`&`, `\&`,
	`#`, `\#`,
	`_`, `\_`,
	`%`, `\%`,
	`~`, `\textasciitilde{}`,
	`^`, `\textasciicircum{}`,
)

func escapeTeX(s string) string {
	return texReplacer.Replace(s)
}
