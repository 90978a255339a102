package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kase1111-hash/learning-contracts/pkg/contracts"
)

var (
	// ErrInvalidTimeRange is returned when start time is after end time.
	ErrInvalidTimeRange = errors.New("audit: start_time must be before end_time")
	// ErrLoggerNotConfigured is returned when an export is invoked without a logger.
	ErrLoggerNotConfigured = errors.New("audit: logger not configured (fail-closed)")
)

// PackRequest selects the events to include in an evidence pack.
type PackRequest struct {
	ContractID string    `json:"contract_id,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
}

// PackManifest is written to manifest.json inside the pack.
type PackManifest struct {
	ContractID  string    `json:"contract_id,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
	EventCount  int       `json:"event_count"`
	ChainHead   string    `json:"chain_head"`
	ChainValid  bool      `json:"chain_valid"`
	Period      struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end"`
	} `json:"period"`
}

// Exporter builds evidence packs from a Logger.
type Exporter struct {
	logger *Logger
	clock  contracts.Clock
}

func NewExporter(l *Logger) *Exporter {
	e := &Exporter{logger: l, clock: contracts.SystemClock{}}
	if l != nil {
		e.clock = l.clock
	}
	return e
}

// GeneratePack creates a zip containing the selected events in append order
// and a manifest, and returns the zip bytes and their SHA-256 checksum.
func (e *Exporter) GeneratePack(ctx context.Context, req PackRequest) ([]byte, string, error) {
	if !req.StartTime.IsZero() && !req.EndTime.IsZero() && req.StartTime.After(req.EndTime) {
		return nil, "", ErrInvalidTimeRange
	}
	if e.logger == nil {
		return nil, "", ErrLoggerNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	all := e.logger.Export()
	events := make([]AuditEvent, 0, len(all))
	for _, ev := range all {
		if req.ContractID != "" && ev.ContractID != req.ContractID {
			continue
		}
		if !req.StartTime.IsZero() && ev.Timestamp.Before(req.StartTime) {
			continue
		}
		if !req.EndTime.IsZero() && ev.Timestamp.After(req.EndTime) {
			continue
		}
		events = append(events, ev)
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}

	manifest := PackManifest{
		ContractID:  req.ContractID,
		GeneratedAt: e.clock.Now().UTC(),
		EventCount:  len(events),
		ChainHead:   e.logger.ChainHead(),
		ChainValid:  VerifyEvents(all) == nil,
	}
	manifest.Period.Start = req.StartTime
	manifest.Period.End = req.EndTime
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := writeZip(buf, []zipEntry{
		{name: "events.json", data: eventsJSON},
		{name: "manifest.json", data: manifestJSON},
	}); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	return zipBytes, hex.EncodeToString(hash[:]), nil
}

type zipEntry struct {
	name string
	data []byte
}

func writeZip(dst io.Writer, entries []zipEntry) error {
	w := zip.NewWriter(dst)
	for _, e := range entries {
		f, err := w.Create(e.name)
		if err != nil {
			return fmt.Errorf("audit: create %s: %w", e.name, err)
		}
		if _, err := f.Write(e.data); err != nil {
			return fmt.Errorf("audit: write %s: %w", e.name, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("audit: finish pack: %w", err)
	}
	return nil
}
