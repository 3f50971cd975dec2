package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/TimurManjosov/qualiopigate/internal/guard"
	"github.com/TimurManjosov/qualiopigate/internal/mapping"
)

// OutputFormat specifies the output format for CLI commands
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

// ParseFormat validates a --format value.
func ParseFormat(s string) (OutputFormat, error) {
	switch f := OutputFormat(s); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// PrintMappings outputs mappings in the specified format
func PrintMappings(w io.Writer, entries []mapping.Entry, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, map[string][]mapping.Entry{"mappings": entries})
	case FormatYAML:
		return printYAML(w, entries)
	case FormatTable:
		return mappingTable(w, entries)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

// PrintMapping outputs a single mapping in the specified format
func PrintMapping(w io.Writer, e *mapping.Entry, format OutputFormat) error {
	if format == FormatTable {
		return mappingTable(w, []mapping.Entry{*e})
	}
	return printStructured(w, e, format)
}

func PrintStats(w io.Writer, s *mapping.Stats, format OutputFormat) error {
	if format != FormatTable {
		return printStructured(w, s, format)
	}
	table := tablewriter.NewWriter(w)
	table.Header("Total", "Active", "Inactive", "Problematic", "Health")
	if err := table.Append(
		strconv.Itoa(s.Total),
		strconv.Itoa(s.Active),
		strconv.Itoa(s.Inactive),
		strconv.Itoa(s.Problematic),
		fmt.Sprintf("%.1f%%", s.HealthScore),
	); err != nil {
		return err
	}
	return table.Render()
}

func PrintFlags(w io.Writer, values map[string]bool, format OutputFormat) error {
	if format != FormatTable {
		return printStructured(w, values, format)
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(w)
	table.Header("Flag", "Enabled")
	for _, name := range names {
		if err := table.Append(name, strconv.FormatBool(values[name])); err != nil {
			return err
		}
	}
	return table.Render()
}

// PrintCheck outputs the per-product decisions of a cart check.
func PrintCheck(w io.Writer, res *guard.CheckResult, format OutputFormat) error {
	if format != FormatTable {
		return printStructured(w, res, format)
	}
	table := tablewriter.NewWriter(w)
	table.Header("Product", "Allow", "Reason", "Redirect")
	for _, d := range res.Decisions {
		redirect := "-"
		for _, p := range res.Pending {
			if p.ProductID == d.ProductID && p.TestURL != "" {
				redirect = p.TestURL
			}
		}
		if err := table.Append(
			strconv.FormatInt(d.ProductID, 10),
			strconv.FormatBool(d.Decision.Allow),
			string(d.Decision.Reason),
			redirect,
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	verdict := "ALLOWED"
	if !res.Allowed {
		verdict = "BLOCKED"
	}
	_, err := fmt.Fprintf(w, "checkout: %s\n", verdict)
	return err
}

// PrintValue prints any value as JSON or YAML.
func PrintValue(w io.Writer, data any, format OutputFormat) error {
	return printStructured(w, data, format)
}

func printStructured(w io.Writer, data any, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return printJSON(w, data)
	case FormatYAML:
		return printYAML(w, data)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func printYAML(w io.Writer, data any) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(data)
}

func mappingTable(w io.Writer, entries []mapping.Entry) error {
	table := tablewriter.NewWriter(w)
	table.Header("Product", "Page", "Test URL", "Form", "Active", "Notes", "Updated At")

	for _, e := range entries {
		form := "-"
		if e.FormID != nil {
			form = strconv.FormatInt(*e.FormID, 10)
		}
		notes := e.Notes
		if len([]rune(notes)) > 40 {
			notes = string([]rune(notes)[:37]) + "..."
		}
		updated := "-"
		if !e.UpdatedAt.IsZero() {
			updated = e.UpdatedAt.Format("2006-01-02 15:04")
		}
		if err := table.Append(
			strconv.FormatInt(e.ProductID, 10),
			strconv.FormatInt(e.PageID, 10),
			e.TestPageURL,
			form,
			strconv.FormatBool(e.Active),
			notes,
			updated,
		); err != nil {
			return err
		}
	}

	return table.Render()
}
