package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dimpart/tarsier/c2dm"
	"gopkg.in/yaml.v3"
)

// yamlOut prints data as a YAML document to stdout.
func yamlOut(data any) {
	yamlTo(os.Stdout, data)
}

func yamlTo(w io.Writer, data any) {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	enc.Encode(data)
	enc.Close()
}

// printTable prints a simple formatted table header with separator.
func printTable(format string, width int, columns ...any) {
	fmt.Printf(format+"\n", columns...)
	fmt.Println(strings.Repeat("-", width))
}

// outcomeRow flattens a registration outcome for YAML output.
func outcomeRow(o c2dm.RegistrationOutcome) map[string]any {
	row := map[string]any{"status": o.Status.String()}
	if o.Err != nil {
		row["error"] = o.Err.Error()
	}
	return row
}

// reportRow flattens a token report result for YAML output.
func reportRow(r c2dm.ReportResult) map[string]any {
	row := map[string]any{"status": r.Status.String()}
	if r.Reason != "" {
		row["reason"] = r.Reason
	}
	if r.Command != nil {
		row["sn"] = r.Command.SN()
	}
	if r.Err != nil {
		row["error"] = r.Err.Error()
	}
	return row
}

// badgeRow flattens a badge decision for YAML output.
func badgeRow(r c2dm.BadgeResult) map[string]any {
	row := map[string]any{"applied": r.Applied}
	if r.Applied {
		row["count"] = r.Count
	} else {
		row["reason"] = r.Reason
	}
	if r.Err != nil {
		row["error"] = r.Err.Error()
	}
	return row
}
