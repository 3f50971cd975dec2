package mapping

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	csvSeparator  = ';'
	csvMinColumns = 3
	utf8BOM       = "\xEF\xBB\xBF"
)

// CSVHeader is the header row written by WriteCSV and skipped by ReadCSV.
var CSVHeader = []string{"Product ID", "Page ID", "Test URL", "Form ID", "Active", "Notes"}

// WriteCSV writes entries as a semicolon-separated document prefixed with a
// UTF-8 byte order mark so spreadsheet tools pick the right encoding.
func WriteCSV(w io.Writer, entries []Entry) error {
	if _, err := io.WriteString(w, utf8BOM); err != nil {
		return err
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	cw := csv.NewWriter(w)
	cw.Comma = csvSeparator
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, e := range sorted {
		formID := ""
		if e.FormID != nil {
			formID = strconv.FormatInt(*e.FormID, 10)
		}
		active := "No"
		if e.Active {
			active = "Yes"
		}
		row := []string{
			strconv.FormatInt(e.ProductID, 10),
			strconv.FormatInt(e.PageID, 10),
			e.TestPageURL,
			formID,
			active,
			e.Notes,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ImportResult is the outcome of ReadCSV. Lines with errors are skipped and
// reported; valid lines are kept.
type ImportResult struct {
	Entries []Entry  `json:"entries"`
	Errors  []string `json:"errors,omitempty"`
}

// ReadCSV parses a document produced by WriteCSV (or edited by hand). The
// first row is treated as a header. Line numbers in errors are 1-based and
// count the header.
func ReadCSV(r io.Reader) (*ImportResult, error) {
	br := bufio.NewReader(r)
	if prefix, err := br.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, []byte(utf8BOM)) {
		_, _ = br.Discard(len(utf8BOM))
	}

	cr := csv.NewReader(br)
	cr.Comma = csvSeparator
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	if _, err := cr.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty CSV document")
		}
		return nil, fmt.Errorf("read CSV header: %w", err)
	}

	result := &ImportResult{Entries: []Entry{}}
	seen := make(map[int64]bool)
	line := 1
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err == nil {
			line, _ = cr.FieldPos(0)
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		if isBlankRecord(record) {
			continue
		}

		entry, msg := parseRecord(record)
		if msg != "" {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %s", line, msg))
			continue
		}
		if seen[entry.ProductID] {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: product %d is duplicated", line, entry.ProductID))
			continue
		}
		if v := Validate(entry); !v.Valid {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %s", line, firstError(v)))
			continue
		}

		seen[entry.ProductID] = true
		result.Entries = append(result.Entries, entry)
	}

	return result, nil
}

func parseRecord(record []string) (Entry, string) {
	if len(record) < csvMinColumns {
		return Entry{}, "not enough columns"
	}
	field := func(i int) string {
		if i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	productID, err := strconv.ParseInt(field(0), 10, 64)
	if err != nil || productID <= 0 {
		return Entry{}, "invalid product ID"
	}
	pageID, err := strconv.ParseInt(field(1), 10, 64)
	if err != nil || pageID <= 0 {
		return Entry{}, "invalid page ID"
	}

	entry := Entry{
		ProductID:   productID,
		PageID:      pageID,
		TestPageURL: field(2),
		Active:      true,
		Notes:       field(5),
	}

	if raw := field(3); raw != "" && raw != "0" {
		formID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Entry{}, "invalid form ID"
		}
		entry.FormID = &formID
	}

	if raw := field(4); raw != "" {
		switch strings.ToLower(raw) {
		case "yes", "y", "true", "1":
			entry.Active = true
		case "no", "n", "false", "0":
			entry.Active = false
		default:
			return Entry{}, fmt.Sprintf("invalid active value %q", raw)
		}
	}

	return entry, ""
}

func isBlankRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// firstError returns the message of the alphabetically first failing field,
// so import errors are stable.
func firstError(v *ValidationResult) string {
	fields := make([]string, 0, len(v.Errors))
	for f := range v.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return v.Errors[fields[0]]
}
