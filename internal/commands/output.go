package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRaw pretty-prints a JSON response, falling back to the bytes as-is.
func printRaw(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err := fmt.Fprintln(w, string(raw))
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func printTable(w io.Writer, items []map[string]any, columns []string) {
	header := append([]string{"ID"}, upper(columns)...)
	format := "%-24s" + strings.Repeat("  %-24s", len(columns)) + "\n"

	fmt.Fprintf(w, format, toAny(header)...)
	rules := make([]string, len(header))
	for i := range rules {
		rules[i] = strings.Repeat("-", 24)
	}
	fmt.Fprintf(w, format, toAny(rules)...)

	for _, item := range items {
		row := []string{strField(item, "id", strField(item, "_id", "?"))}
		for _, col := range columns {
			row = append(row, truncate(strField(item, col, ""), 24))
		}
		fmt.Fprintf(w, format, toAny(row)...)
	}
}

// strField returns m[key] as a string, or defaultVal when missing.
func strField(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok || v == nil {
		return defaultVal
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func upper(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
