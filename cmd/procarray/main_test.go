package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCatalogCommand(t *testing.T) {
	out, err := execute(t, "catalog", "--dir", "../../configs")
	require.NoError(t, err)
	assert.Contains(t, out, "FAMILY")
	assert.Regexp(t, `furnace\s+simple\s+true\s+3`, out)
	assert.Regexp(t, `chemical_reactor\s+int_circuit\s+true\s+1`, out)
}

func TestCatalogCommandRejectsMissingDir(t *testing.T) {
	_, err := execute(t, "catalog", "--dir", t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunThenInspect(t *testing.T) {
	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	cfg := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
sim:
  tick_rate_hz: 0
  config_dir: ../../configs
  scenario: ../../configs/scenarios/smelter.yaml
persistence:
  data_dir: `+data+`
  snapshot_every_ticks: 10
  index_db: true
  tick_log: true
  archive: true
log:
  level: error
`), 0o644))

	out, err := execute(t, "-c", cfg, "run", "--ticks", "30")
	require.NoError(t, err)
	var summary struct {
		RunID       string `json:"run_id"`
		Tick        uint64 `json:"tick"`
		Controllers []struct {
			ID string `json:"id"`
		} `json:"controllers"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, uint64(30), summary.Tick)
	require.Len(t, summary.Controllers, 2)
	assert.Equal(t, "pa-furnace", summary.Controllers[0].ID)
	assert.FileExists(t, filepath.Join(data, "index.sqlite"))
	assert.FileExists(t, filepath.Join(data, "archives", summary.RunID, "meta.json"))

	snap := filepath.Join(data, "snapshots", "30.snap.zst")
	out, err = execute(t, "inspect", "--header", snap)
	require.NoError(t, err)
	var h struct {
		RunID string `json:"run_id"`
		Tick  uint64 `json:"tick"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	assert.Equal(t, summary.RunID, h.RunID)
	assert.Equal(t, uint64(30), h.Tick)

	out, err = execute(t, "history", "--data", data, "--controller", "pa-furnace")
	require.NoError(t, err)
	assert.Contains(t, out, "CONTROLLER")
	assert.Contains(t, out, "pa-furnace")
	assert.NotContains(t, out, "pa-saw")

	out, err = execute(t, "history", "--data", data, "--batches", "--run", summary.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "OUTCOME")

	_, err = execute(t, "history", "--data", data, "--batches")
	assert.ErrorContains(t, err, "--run")

	// Resuming continues the same run from the snapshot's tick.
	out, err = execute(t, "-c", cfg, "run", "--ticks", "5", "--resume", snap)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, h.RunID, summary.RunID)
	assert.Equal(t, uint64(35), summary.Tick)
}

func TestRunNeedsScenario(t *testing.T) {
	_, err := execute(t, "run", "--ticks", "1")
	assert.ErrorContains(t, err, "no scenario")
}
