package parser

import (
	"bytes"
	"encoding/base64"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/ignite/usda-monitor/internal/datamart"
	"github.com/ignite/usda-monitor/internal/domain"
)

// pdfTableHeader is the fixed column signature of the primal-value table
// inside the morning cutout PDF.
const pdfTableHeader = "Date Loads Carcass Loin Butt Pic Rib Ham Belly"

// pdfExcerptLimit bounds the stored text excerpt.
const pdfExcerptLimit = 1000

var pdfDatePattern = regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{4})\b`)

// ExtractFirstPageText pulls the plain text of the document's first page
// and the page count. Extraction failures yield empty text rather than
// an error, matching how a scanned or image-only edition should behave.
func ExtractFirstPageText(content []byte) (text string, pageCount int) {
	// The pdf library panics on some malformed documents.
	defer func() {
		if recover() != nil {
			text, pageCount = "", 0
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", 0
	}
	pageCount = reader.NumPage()
	if pageCount == 0 {
		return "", pageCount
	}
	page := reader.Page(1)
	if page.V.IsNull() {
		return "", pageCount
	}
	text, err = page.GetPlainText(nil)
	if err != nil {
		return "", pageCount
	}
	return text, pageCount
}

// ExtractPDFDate finds the first MM/DD/YYYY token in the text.
func ExtractPDFDate(text string) (time.Time, bool) {
	match := pdfDatePattern.FindString(text)
	if match == "" {
		return time.Time{}, false
	}
	d, err := datamart.ParseDate(match)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// ExtractPrimalValues parses the primal-value table out of the PDF text:
// the line after the table header that starts with the report date, and
// the Change: line beneath it. The Change: line comes in a seven-field
// variant without loads and an eight-field variant with loads.
func ExtractPrimalValues(text string, reportDate time.Time) domain.Fields {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}

	headerIdx := -1
	for i, line := range lines {
		if strings.HasPrefix(line, pdfTableHeader) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil
	}

	target := datamart.FormatDate(reportDate)
	var dataLine, changeLine string
	for i := headerIdx + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], target) {
			dataLine = lines[i]
			if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "Change:") {
				changeLine = lines[i+1]
			}
			break
		}
	}
	if dataLine == "" {
		return nil
	}

	parts := strings.Fields(dataLine)
	if len(parts) < 9 {
		return nil
	}
	fields := domain.Fields{
		"loads":   parts[1],
		"carcass": parts[2],
		"loin":    parts[3],
		"butt":    parts[4],
		"pic":     parts[5],
		"rib":     parts[6],
		"ham":     parts[7],
		"belly":   parts[8],
	}

	if changeLine != "" {
		changes := strings.Fields(strings.TrimPrefix(changeLine, "Change:"))
		switch {
		case len(changes) == 7:
			fields["change_carcass"] = changes[0]
			fields["change_loin"] = changes[1]
			fields["change_butt"] = changes[2]
			fields["change_pic"] = changes[3]
			fields["change_rib"] = changes[4]
			fields["change_ham"] = changes[5]
			fields["change_belly"] = changes[6]
		case len(changes) >= 8:
			fields["change_loads"] = changes[0]
			fields["change_carcass"] = changes[1]
			fields["change_loin"] = changes[2]
			fields["change_butt"] = changes[3]
			fields["change_pic"] = changes[4]
			fields["change_rib"] = changes[5]
			fields["change_ham"] = changes[6]
			fields["change_belly"] = changes[7]
		}
	}
	return fields
}

// BuildPDFRow assembles the synthetic payload row for a fetched PDF
// edition: the table fields plus the excerpt, page count and the raw
// document base64-encoded. The report date comes from the document text
// when present, otherwise fallbackDate.
func BuildPDFRow(content []byte, fallbackDate time.Time) (datamart.Row, time.Time) {
	text, pageCount := ExtractFirstPageText(content)

	reportDate := fallbackDate
	if d, ok := ExtractPDFDate(text); ok {
		reportDate = d
	}

	excerpt := text
	if runes := []rune(excerpt); len(runes) > pdfExcerptLimit {
		excerpt = string(runes[:pdfExcerptLimit])
	}

	row := datamart.Row{
		"report_date":  datamart.FormatDate(reportDate),
		"text_excerpt": excerpt,
		"page_count":   pageCount,
		"pdf_base64":   base64.StdEncoding.EncodeToString(content),
	}
	for k, v := range ExtractPrimalValues(excerpt, reportDate) {
		row[k] = v
	}
	return row, reportDate
}
