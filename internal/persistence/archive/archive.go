// Package archive keeps the final snapshot of every finished run under
// dataDir/archives/<run id>/ next to a small meta.json.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"procarray.ai/internal/persistence/snapshot"
)

type RunMeta struct {
	RunID          string `json:"run_id"`
	Scenario       string `json:"scenario"`
	EndTick        uint64 `json:"end_tick"`
	Controllers    int    `json:"controllers"`
	Snapshot       string `json:"snapshot"`
	FamiliesDigest string `json:"families_digest,omitempty"`
	RecipesDigest  string `json:"recipes_digest,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// Dir is where runID's archive lives.
func Dir(dataDir, runID string) string {
	return filepath.Join(dataDir, "archives", runID)
}

// ArchiveRun copies the snapshot at snapshotPath into the run's archive
// directory and writes meta.json. It returns the paths it wrote, snapshot
// first. Archiving the same run again overwrites the previous archive.
func ArchiveRun(dataDir, snapshotPath string, snap snapshot.SnapshotV1) ([]string, error) {
	if snap.Header.RunID == "" {
		return nil, fmt.Errorf("archive: snapshot has no run id")
	}
	dir := Dir(dataDir, snap.Header.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	dst := filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}

	meta := RunMeta{
		RunID:          snap.Header.RunID,
		Scenario:       snap.Scenario,
		EndTick:        snap.Header.Tick,
		Controllers:    len(snap.Controllers),
		Snapshot:       filepath.Base(dst),
		FamiliesDigest: snap.FamiliesDigest,
		RecipesDigest:  snap.RecipesDigest,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	metaPath := filepath.Join(dir, "meta.json")
	if err := os.WriteFile(metaPath, b, 0o644); err != nil {
		return nil, err
	}
	return []string{dst, metaPath}, nil
}

// ReadMeta loads the meta.json of runID's archive.
func ReadMeta(dataDir, runID string) (RunMeta, error) {
	var m RunMeta
	b, err := os.ReadFile(filepath.Join(Dir(dataDir, runID), "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
