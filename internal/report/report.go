// Package report renders the final Markdown report to PDF as an optional
// outbound artifact. Adapted from the teacher's internal/app/pdf.go
// (writeSimplePDF), exported as a standalone package so the workflow graph's
// human_review/completion step can call it directly instead of it being a
// private helper inside the top-level run loop.
package report

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

var linkRe = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`) // [text](url)

// RenderPDF writes a minimal PDF rendering of markdown to outPath,
// preserving paragraphs and turning Markdown links into clickable PDF
// links. This intentionally does not perform full Markdown layout.
func RenderPDF(markdown string, outPath string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.AddPage()

	scanner := bufio.NewScanner(strings.NewReader(markdown))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		writeLine(pdf, scanner.Text())
	}
	return pdf.OutputFileAndClose(outPath)
}

func writeLine(pdf *gofpdf.Fpdf, line string) {
	s := strings.TrimSpace(line)
	if s == "" {
		pdf.Ln(5)
		return
	}

	if strings.HasPrefix(s, "#") {
		i := 0
		for i < len(s) && s[i] == '#' {
			i++
		}
		text := strings.TrimSpace(s[i:])
		if text == "" {
			return
		}
		size := 14.0
		if i >= 2 {
			size = 12.0
		}
		pdf.SetFont("Helvetica", "B", size)
		pdf.CellFormat(0, 8, text, "", 1, "L", false, 0, "")
		pdf.SetFont("Helvetica", "", 11)
		return
	}

	parts := linkRe.FindAllStringSubmatchIndex(s, -1)
	if len(parts) == 0 {
		pdf.MultiCell(0, 5, s, "", "L", false)
		return
	}
	pos := 0
	for _, m := range parts {
		if m[0] > pos {
			pdf.Write(5, s[pos:m[0]])
		}
		text := s[m[2]:m[3]]
		url := s[m[4]:m[5]]
		if strings.HasPrefix(url, "#") {
			pdf.Write(5, text)
		} else {
			pdf.WriteLinkString(5, text, url)
		}
		pos = m[1]
	}
	if pos < len(s) {
		pdf.Write(5, s[pos:])
	}
	pdf.Ln(6)
}
