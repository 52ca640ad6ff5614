// internal/storage/memory/export.go
package memory

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fivegen/aquariuslocation/pkg/core"
)

// HistoryExport is the root JSON structure of an exported history file.
type HistoryExport struct {
	Service    string    `json:"service"`
	ExportedAt time.Time `json:"exportedAt"`
	Count      int       `json:"count"`
	Fixes      []FixJSON `json:"fixes"`
}

type FixJSON struct {
	ObservedAt time.Time `json:"observedAt"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	Accuracy   float32   `json:"accuracy,omitempty"`
	Provider   string    `json:"provider,omitempty"`
}

// BuildExport converts fixes to the export structure, keeping their order.
func BuildExport(fixes []core.Fix, now time.Time) HistoryExport {
	out := HistoryExport{
		Service:    "aquarius",
		ExportedAt: now.UTC(),
		Count:      len(fixes),
		Fixes:      make([]FixJSON, 0, len(fixes)),
	}
	for _, f := range fixes {
		out.Fixes = append(out.Fixes, FixJSON{
			ObservedAt: f.ObservedAt.UTC(),
			Latitude:   f.Latitude,
			Longitude:  f.Longitude,
			Altitude:   f.Altitude,
			Accuracy:   f.Accuracy,
			Provider:   f.Provider,
		})
	}
	return out
}

// EncodeExport writes the export as JSON, gzipped when compress is set.
func EncodeExport(w io.Writer, compress bool, fixes []core.Fix, now time.Time) error {
	if compress {
		gz := gzip.NewWriter(w)
		if err := json.NewEncoder(gz).Encode(BuildExport(fixes, now)); err != nil {
			gz.Close()
			return fmt.Errorf("failed to encode history: %w", err)
		}
		return gz.Close()
	}
	if err := json.NewEncoder(w).Encode(BuildExport(fixes, now)); err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	return nil
}

// ExportFileName is history_<timestamp>.json[.gz].
func ExportFileName(now time.Time, compress bool) string {
	name := fmt.Sprintf("history_%s.json", now.Format("20060102_150405"))
	if compress {
		name += ".gz"
	}
	return name
}

// WriteExport creates dir if needed and writes the export file into it.
func WriteExport(dir string, compress bool, fixes []core.Fix, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(dir, ExportFileName(now, compress))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create export file: %w", err)
	}

	if err := EncodeExport(f, compress, fixes, now); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close export file: %w", err)
	}
	return path, nil
}
