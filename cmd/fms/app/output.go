package app

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/olekukonko/tablewriter"
)

type outputFormat string

const (
	formatTable outputFormat = "table"
	formatJSON  outputFormat = "json"
	formatYAML  outputFormat = "yaml"
)

func parseOutputFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(s)); f {
	case formatTable, formatJSON, formatYAML:
		return f, nil
	case "":
		return formatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
	}
}

// tableData is the table rendering of a command result.
type tableData struct {
	headers []string
	rows    [][]string
}

// render writes v as JSON or YAML, or t as a table.
func (a *App) render(v any, t tableData) error {
	return writeFormatted(a.out, a.format, v, t)
}

func writeFormatted(w io.Writer, f outputFormat, v any, t tableData) error {
	switch f {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		data, err := yaml.MarshalWithOptions(v, yaml.Indent(2), yaml.IndentSequence(false))
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}

	table := tablewriter.NewTable(w)
	if len(t.headers) > 0 {
		headers := make([]any, len(t.headers))
		for i, h := range t.headers {
			headers[i] = h
		}
		table.Header(headers...)
	}
	for _, row := range t.rows {
		cells := make([]any, len(row))
		for i, c := range row {
			cells[i] = c
		}
		if err := table.Append(cells...); err != nil {
			return err
		}
	}
	return table.Render()
}
