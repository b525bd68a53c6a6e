// Package pdfrender turns a markdown report draft into a PDF artifact.
package pdfrender

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf/v2"
)

// Input carries everything the renderer needs for one report.
type Input struct {
	Title       string
	Subjects    []string
	Markdown    string
	Citations   []Citation
	GeneratedAt time.Time
}

// Citation is one source reference printed at the end of the document.
type Citation struct {
	Title string
	URL   string
}

// Render produces an A4 portrait PDF from the report markdown. The markdown
// handling is deliberately simple: headings, bullets and paragraphs. Inline
// emphasis markers are stripped rather than styled.
func Render(in Input) ([]byte, error) {
	if strings.TrimSpace(in.Markdown) == "" {
		return nil, fmt.Errorf("empty report body")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AliasNbPages("{nb}")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(108, 117, 125)
		pdf.SetX(15)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d of {nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pdf.AddPage()
	pdf.SetFont("Arial", "B", 20)
	pdf.SetTextColor(33, 37, 41)
	pdf.MultiCell(0, 10, in.Title, "", "L", false)

	pdf.SetFont("Arial", "", 10)
	pdf.SetTextColor(108, 117, 125)
	meta := fmt.Sprintf("Generated %s", in.GeneratedAt.UTC().Format("2006-01-02 15:04 UTC"))
	if len(in.Subjects) > 0 {
		meta = fmt.Sprintf("%s  |  %s", strings.Join(in.Subjects, ", "), meta)
	}
	pdf.CellFormat(0, 8, meta, "", 1, "L", false, 0, "")

	pdf.Ln(2)
	pdf.SetLineWidth(0.5)
	pdf.SetDrawColor(0, 102, 204)
	pdf.Line(15, pdf.GetY(), 195, pdf.GetY())
	pdf.Ln(6)

	writeMarkdown(pdf, in.Markdown)

	if len(in.Citations) > 0 {
		pdf.Ln(6)
		pdf.SetFont("Arial", "B", 13)
		pdf.SetTextColor(33, 37, 41)
		pdf.CellFormat(0, 8, "Sources", "", 1, "L", false, 0, "")
		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(108, 117, 125)
		for i, c := range in.Citations {
			label := c.Title
			if label == "" {
				label = c.URL
			}
			pdf.MultiCell(0, 5, fmt.Sprintf("[%d] %s", i+1, label), "", "L", false)
			if c.Title != "" && c.URL != "" {
				pdf.MultiCell(0, 5, "    "+c.URL, "", "L", false)
			}
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func writeMarkdown(pdf *gofpdf.Fpdf, markdown string) {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			pdf.Ln(3)
		case strings.HasPrefix(trimmed, "### "):
			writeHeading(pdf, strings.TrimPrefix(trimmed, "### "), 11)
		case strings.HasPrefix(trimmed, "## "):
			writeHeading(pdf, strings.TrimPrefix(trimmed, "## "), 13)
		case strings.HasPrefix(trimmed, "# "):
			writeHeading(pdf, strings.TrimPrefix(trimmed, "# "), 15)
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			pdf.SetFont("Arial", "", 10)
			pdf.SetTextColor(33, 37, 41)
			pdf.MultiCell(0, 5, "  - "+stripInline(trimmed[2:]), "", "L", false)
		default:
			pdf.SetFont("Arial", "", 10)
			pdf.SetTextColor(33, 37, 41)
			pdf.MultiCell(0, 5, stripInline(trimmed), "", "L", false)
		}
	}
}

func writeHeading(pdf *gofpdf.Fpdf, text string, size float64) {
	pdf.Ln(2)
	pdf.SetFont("Arial", "B", size)
	pdf.SetTextColor(33, 37, 41)
	pdf.MultiCell(0, 7, stripInline(text), "", "L", false)
	pdf.Ln(1)
}

// stripInline drops emphasis and code markers so they do not print literally.
func stripInline(s string) string {
	r := strings.NewReplacer("**", "", "__", "", "`", "")
	return r.Replace(s)
}
