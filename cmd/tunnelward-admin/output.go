// ABOUTME: Output formatting for the admin CLI: aligned tables, JSON or YAML
// ABOUTME: Tables are built per command; JSON and YAML render the API response as-is

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Supported values for --output.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

func validFormat(f string) bool {
	switch f {
	case formatTable, formatJSON, formatYAML:
		return true
	}
	return false
}

// table is a tabular rendering of one response.
type table struct {
	headers []string
	rows    [][]string
}

func (t *table) add(cols ...string) {
	t.rows = append(t.rows, cols)
}

// printer writes responses in the selected format.
type printer struct {
	format string
	out    io.Writer
}

// print renders data. render builds the table view and is only called for
// table output.
func (p *printer) print(data any, render func() table) error {
	switch p.format {
	case formatJSON:
		b, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("formatting JSON: %w", err)
		}
		_, err = fmt.Fprintln(p.out, string(b))
		return err
	case formatYAML:
		// Go through JSON so keys match the API field names.
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("formatting YAML: %w", err)
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return fmt.Errorf("formatting YAML: %w", err)
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return fmt.Errorf("formatting YAML: %w", err)
		}
		_, err = p.out.Write(out)
		return err
	default:
		return p.table(render())
	}
}

func (p *printer) table(t table) error {
	if len(t.rows) == 0 {
		_, err := fmt.Fprintln(p.out, "No resources found.")
		return err
	}
	w := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	if len(t.headers) > 0 {
		fmt.Fprintln(w, strings.Join(t.headers, "\t"))
	}
	for _, row := range t.rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

// fields renders key/value pairs as a two-column table.
func fields(pairs ...string) table {
	var t table
	for i := 0; i+1 < len(pairs); i += 2 {
		t.add(pairs[i]+":", pairs[i+1])
	}
	return t
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func orDashPtr(s *string) string {
	if s == nil {
		return "-"
	}
	return orDash(*s)
}
