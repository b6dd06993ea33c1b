package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pilotstreams/config"
	"github.com/c360/pilotstreams/profile"
	"github.com/c360/pilotstreams/unit"
)

func TestStageOptions(t *testing.T) {
	cfg := config.Defaults()
	cfg.Pilot = config.PilotConfig{ID: "p1", Cores: 8, SandboxRoot: "/scratch", Cleanup: true}
	cfg.Stages[config.StageExecutor] = config.StageConfig{Instances: 1, Options: json.RawMessage(`{"workers": 3}`)}
	cfg.Stages[config.StageScheduler] = config.StageConfig{Instances: 1, Options: json.RawMessage(`{"cores": 2}`)}

	decode := func(stage string) map[string]any {
		raw, err := stageOptions(cfg, stage)
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	}

	// configured options win over the pilot section
	assert.Equal(t, map[string]any{"cores": 2.0, "pilot": "p1"}, decode(config.StageScheduler))
	assert.Equal(t, map[string]any{"sandbox_root": "/scratch", "cleanup": true}, decode(config.StageStagingInput))
	assert.Equal(t, map[string]any{"workers": 3.0}, decode(config.StageExecutor))

	cfg.Stages[config.StageExecutor] = config.StageConfig{Instances: 1}
	raw, err := stageOptions(cfg, config.StageExecutor)
	require.NoError(t, err)
	assert.Nil(t, raw)

	cfg.Stages[config.StageExecutor] = config.StageConfig{Instances: 1, Options: json.RawMessage(`[1]`)}
	_, err = stageOptions(cfg, config.StageExecutor)
	assert.Error(t, err)
}

func TestShutdownBudget(t *testing.T) {
	assert.Equal(t, time.Second, shutdownBudget(time.Second, 1))
	assert.Equal(t, 250*time.Millisecond, shutdownBudget(time.Second, 4))
	assert.Equal(t, 100*time.Millisecond, shutdownBudget(time.Millisecond, 4))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Version = "1.0.0"
	cfg.Pilot.ID = "test-pilot"
	cfg.Pilot.Cores = 2
	cfg.Pilot.SandboxRoot = t.TempDir()
	cfg.Pilot.BaseDir = t.TempDir()
	cfg.Component.PollTimeout = 5 * time.Millisecond
	cfg.Component.IdleSleep = time.Millisecond
	cfg.API.Addr = "127.0.0.1:0"
	cfg.Profile.Path = filepath.Join(t.TempDir(), "profile", "events.csv")
	return cfg
}

func TestPilot_RunsSubmittedUnits(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := startPilot(ctx, cfg, new(slog.LevelVar), logger)
	require.NoError(t, err)
	stopped := false
	t.Cleanup(func() {
		if !stopped {
			_ = p.shutdown(5 * time.Second)
		}
	})

	assert.Len(t, p.registry.Instances(), 4)
	assert.Nil(t, p.natsClient)

	base := "http://" + p.server.Addr().String()
	body := strings.NewReader(`
- executable: sh
  arguments: ["-c", "echo one"]
- executable: sh
  arguments: ["-c", "exit 4"]
`)
	resp, err := http.Post(base+"/units", "application/yaml", body)
	require.NoError(t, err)
	var submitted struct {
		Units []*unit.Unit `json:"units"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, submitted.Units, 2)

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	final, err := p.manager.Wait(waitCtx, []string{submitted.Units[0].UID, submitted.Units[1].UID})
	require.NoError(t, err)
	assert.Equal(t, unit.Done, final[0].State)
	assert.Equal(t, unit.Failed, final[1].State)

	resp, err = http.Get(base + "/units/" + submitted.Units[0].UID)
	require.NoError(t, err)
	var got unit.Unit
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	resp.Body.Close()
	assert.Equal(t, unit.Done, got.State)

	resp, err = http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, p.shutdown(5*time.Second))
	stopped = true

	f, err := os.Open(cfg.Profile.Path)
	require.NoError(t, err)
	defer f.Close()
	events, err := profile.ReadCSV(f)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestPilot_SubmitAndExitWhenDone(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(t)
	cfg.API.Enabled = false
	cfg.Profile.Path = ""
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := startPilot(ctx, cfg, new(slog.LevelVar), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.shutdown(5 * time.Second) })
	assert.Nil(t, p.server)

	runCtx, done := context.WithTimeout(ctx, 10*time.Second)
	defer done()
	descs := []unit.Description{{Executable: "sh", Arguments: []string{"-c", "true"}}}
	require.NoError(t, p.submit(runCtx, descs, true, done))

	<-runCtx.Done()
	assert.ErrorIs(t, runCtx.Err(), context.Canceled, "units did not finish before the deadline")
	assert.Equal(t, 1, p.manager.Counts()[unit.Done])
}

func TestPilot_KVStoreNeedsNATS(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = false
	cfg.Manager.Store = config.StoreKV
	cfg.Profile.Path = ""

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := startPilot(context.Background(), cfg, new(slog.LevelVar), logger)
	assert.Error(t, err)
}

func TestRun_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": "1.0.0", "pilot": {"id": "p", "cores": 4}}`), 0o600))
	assert.NoError(t, run([]string{"--config", path, "--validate"}))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"pilot": {"cores": 0}}`), 0o600))
	assert.Error(t, run([]string{"--config", bad, "--validate"}))
}

func TestRun_Version(t *testing.T) {
	assert.NoError(t, run([]string{"--version"}))
}
