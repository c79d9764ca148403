package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/rescale/rescale-assets/internal/models"
)

type outputFormat string

const (
	outputTable outputFormat = "table"
	outputJSON  outputFormat = "json"
	outputYAML  outputFormat = "yaml"
)

func parseOutputFormat(s string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(s))); f {
	case outputTable, outputJSON, outputYAML:
		return f, nil
	case "":
		return outputTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (expected table, json or yaml)", s)
	}
}

// renderRecords writes records to w in the given format.
func renderRecords(w io.Writer, format string, records []models.ValidationRecord) error {
	f, err := parseOutputFormat(format)
	if err != nil {
		return err
	}

	switch f {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []models.ValidationRecord{}
		}
		return enc.Encode(records)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return err
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tSTATUS\tDETAIL")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.Kind, r.Status, recordDetail(r))
	}
	return tw.Flush()
}

func recordDetail(r models.ValidationRecord) string {
	switch {
	case len(r.ErrorMessages) > 0:
		return strings.Join(r.ErrorMessages, "; ")
	case r.Description != "":
		return r.Description
	case r.Fields != nil && r.Fields.Format != "":
		return r.Fields.Format
	}
	return ""
}

// summarize counts records by status for the footer line.
func summarize(records []models.ValidationRecord) string {
	counts := make(map[models.Status]int)
	for _, r := range records {
		counts[r.Status]++
	}
	parts := make([]string, 0, 5)
	for _, s := range []models.Status{models.StatusPending, models.StatusValid, models.StatusInvalid, models.StatusError, models.StatusCancelled} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	if len(parts) == 0 {
		return "no records"
	}
	return strings.Join(parts, ", ")
}
