package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/kubilitics/zeroscale/pkg/model"
)

// Archive writes terminal runs to disk as zstd-compressed JSON documents,
// one file per run. The archive is the long-term audit trail that outlives
// the ledger's retention window; a disabled archive (empty directory) is a
// no-op.
type Archive struct {
	dir string
}

// archiveDocument is the on-disk layout: the run plus its full event history.
type archiveDocument struct {
	Run        *model.OptimizationRun `json:"run"`
	Events     []model.Event          `json:"events"`
	ArchivedAt time.Time              `json:"archived_at"`
}

// NewArchive creates an Archive rooted at dir, creating it if needed. An
// empty dir disables archiving.
func NewArchive(dir string) (*Archive, error) {
	if dir == "" {
		return &Archive{}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create directory: %w", err)
	}
	return &Archive{dir: dir}, nil
}

// Enabled reports whether the archive writes anything.
func (a *Archive) Enabled() bool { return a.dir != "" }

// Write stores one terminal run with its events. The file is written to a
// temp name and renamed so a crashed write never leaves a torn archive.
func (a *Archive) Write(run *model.OptimizationRun, events []model.Event, now time.Time) error {
	if !a.Enabled() {
		return nil
	}

	doc := archiveDocument{Run: run, Events: events, ArchivedAt: now}

	final := filepath.Join(a.dir, fmt.Sprintf("%s.json.zst", run.ID))
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", tmp, err)
	}

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("archive: create zstd encoder: %w", err)
	}

	encodeErr := json.NewEncoder(zw).Encode(doc)
	if closeErr := zw.Close(); encodeErr == nil {
		encodeErr = closeErr
	}
	if closeErr := f.Close(); encodeErr == nil {
		encodeErr = closeErr
	}
	if encodeErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: write run %s: %w", run.ID, encodeErr)
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("archive: finalize run %s: %w", run.ID, err)
	}
	return nil
}

// Read loads one archived run by ID. Test and tooling use.
func (a *Archive) Read(runID string) (*model.OptimizationRun, []model.Event, error) {
	if !a.Enabled() {
		return nil, nil, fmt.Errorf("archive: disabled")
	}

	f, err := os.Open(filepath.Join(a.dir, fmt.Sprintf("%s.json.zst", runID)))
	if err != nil {
		return nil, nil, fmt.Errorf("archive: open run %s: %w", runID, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, nil, fmt.Errorf("archive: create zstd decoder: %w", err)
	}
	defer zr.Close()

	var doc archiveDocument
	if err := json.NewDecoder(zr).Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("archive: decode run %s: %w", runID, err)
	}
	return doc.Run, doc.Events, nil
}
