// Package importer turns delimited text exports into training rows.
//
// Two layouts are understood. The optimized layout starts with a header line
// naming at least an "archivo" and a "link" column; its data lines are split
// with a quote-aware scanner and read the ground-truth label from column 0 and
// the source URL from column 3. Anything else is the legacy layout: no header,
// a plain comma split, URL in column 0 and an optional document name in
// column 1.
package importer

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"trainline/internal/domain"
)

// ErrMalformed is returned for text that cannot be decoded. No rows are
// produced in that case.
var ErrMalformed = errors.New("malformed import text")

type Schema string

const (
	SchemaOptimized Schema = "optimized"
	SchemaLegacy    Schema = "legacy"
)

const (
	optimizedLabelCol = 0
	optimizedLinkCol  = 3
)

// Result is the outcome of one import.
type Result struct {
	Schema  Schema               `json:"schema"`
	Rows    []domain.TrainingRow `json:"rows"`
	Dropped int                  `json:"dropped"`
}

// Parser parses import text. NewID defaults to random UUIDs.
type Parser struct {
	NewID func() string
}

// Parse parses text with a default Parser.
func Parse(text string) (Result, error) {
	return Parser{}.Parse(text)
}

func (p Parser) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return uuid.NewString()
}

// Parse splits text into non-blank lines, detects the layout and maps each
// data line to an idle row.
func (p Parser) Parse(text string) (Result, error) {
	if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
		return Result{}, ErrMalformed
	}
	text = strings.TrimPrefix(text, "\ufeff")
	lines := splitLines(text)
	if len(lines) == 0 {
		return Result{Schema: SchemaLegacy, Rows: []domain.TrainingRow{}}, nil
	}
	schema := DetectSchema(lines[0])
	data := lines
	if schema == SchemaOptimized {
		data = lines[1:]
	}
	res := Result{Schema: schema, Rows: make([]domain.TrainingRow, 0, len(data))}
	for _, line := range data {
		var (
			row domain.TrainingRow
			ok  bool
		)
		if schema == SchemaOptimized {
			row, ok = optimizedRow(line)
		} else {
			row, ok = legacyRow(line)
		}
		if !ok {
			res.Dropped++
			continue
		}
		row.ID = p.newID()
		row.Status = domain.RowIdle
		row.Progress = 0
		res.Rows = append(res.Rows, row)
	}
	return res, nil
}

// DetectSchema inspects the first non-blank line.
func DetectSchema(first string) Schema {
	h := strings.ToLower(first)
	if strings.Contains(h, "archivo") && strings.Contains(h, "link") {
		return SchemaOptimized
	}
	return SchemaLegacy
}

func splitLines(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })
	lines := raw[:0]
	for _, l := range raw {
		if strings.TrimSpace(l) == "" {
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

func optimizedRow(line string) (domain.TrainingRow, bool) {
	cols := SplitFields(line)
	label := column(cols, optimizedLabelCol)
	link := column(cols, optimizedLinkCol)
	if label == "" && link == "" {
		return domain.TrainingRow{}, false
	}
	return domain.TrainingRow{YtURL: link, ActaName: label}, true
}

func legacyRow(line string) (domain.TrainingRow, bool) {
	cols := strings.Split(line, ",")
	row := domain.TrainingRow{YtURL: column(cols, 0)}
	if name := column(cols, 1); name != "" {
		row.Docx = &domain.DocxRef{Name: name, Size: 0}
	}
	return row, true
}

func column(cols []string, i int) string {
	if i >= len(cols) {
		return ""
	}
	return strings.TrimSpace(cols[i])
}

// SplitFields splits one line on commas that are not inside double quotes.
// Every quote character toggles the quoted state and is dropped from the
// output; no other unescaping happens.
func SplitFields(line string) []string {
	var (
		fields  []string
		cur     strings.Builder
		inQuote bool
	)
	for _, r := range line {
		switch {
		case r == '"':
			inQuote = !inQuote
		case r == ',' && !inQuote:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(fields, cur.String())
}
