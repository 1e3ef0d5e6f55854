// Package statuswriter renders the aggregator's per-model counts to a
// human-readable status file on a fixed interval, grounded on
// original_source/key_status_printer.py. Out of scope as a core component
// per spec.md §1 (it's a query-interface consumer) but trivial enough to
// ship as a concrete periodic task.
package statuswriter

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"credpool-go/internal/aggregate"
)

type Writer struct {
	Aggregator *aggregate.Aggregator
	FilePath   string
	MaxSizeMB  int
}

// Tick truncates the file if it has grown past MaxSizeMB, then appends one
// report section.
func (w *Writer) Tick(ctx context.Context) error {
	if err := w.cleanIfTooLarge(); err != nil {
		return err
	}

	counts, err := w.Aggregator.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot aggregate counts: %w", err)
	}

	models := make([]string, 0, len(counts))
	for m := range counts {
		models = append(models, m)
	}
	sort.Strings(models)

	now := time.Now().Format("2006-01-02 15:04:05")
	content := fmt.Sprintf("--- Model Status Report (%s) ---\n\n", now)
	if len(models) == 0 {
		content += "No model stats available.\n"
	} else {
		for _, m := range models {
			agg := counts[m]
			content += fmt.Sprintf("Model: %s\n", m)
			content += fmt.Sprintf("  - Available Keys: %d\n", agg.Healthy)
			content += fmt.Sprintf("  - Unavailable Keys: %d\n", agg.Unhealthy)
			content += fmt.Sprintf("  - Requests (Last 30 mins): %d\n\n", agg.RequestsLast30m)
		}
	}

	f, err := os.OpenFile(w.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open status file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	return nil
}

func (w *Writer) cleanIfTooLarge() error {
	info, err := os.Stat(w.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat status file: %w", err)
	}
	maxBytes := int64(w.MaxSizeMB) * 1024 * 1024
	if maxBytes <= 0 || info.Size() <= maxBytes {
		return nil
	}
	return os.Truncate(w.FilePath, 0)
}
