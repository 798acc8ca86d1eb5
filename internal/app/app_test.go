package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/specialistvlad/calcgrid/internal/ctxlog"
	"github.com/specialistvlad/calcgrid/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogHCL = `
function "n0" {
  target_type = "PRIMITIVE"
  output "V0" {}
  input "v2" { value_name = "V2" }
  compute = 1 + inputs.v2
}

function "n1" {
  target_type = "PRIMITIVE"
  output "V1" {}
  input "v2" { value_name = "V2" }
  compute = 1 + inputs.v2
}

function "n2" {
  target_type = "PRIMITIVE"
  output "V2" {}
  input "spot" { value_name = "Spot" }
  compute = 1 + inputs.spot
}

function "n3" {
  target_type = "PRIMITIVE"
  output "V3" {}
  compute = 1
}

function "n4" {
  target_type = "PRIMITIVE"
  output "V4" {}
  input "v2" { value_name = "V2" }
  input "v3" { value_name = "V3" }
  compute = 1 + inputs.v2 + inputs.v3
}
`

const snapshotHCL = `
market_data "Spot" {
  target = "PRIMITIVE~X"
  value  = 10
}
`

const viewsHCL = `
view "book" {
  calc_config "default" {
    requirement "V0" { target = "PRIMITIVE~X" }
    requirement "V1" { target = "PRIMITIVE~X" }
    requirement "V4" { target = "PRIMITIVE~X" }
  }
  calc_config "partial" {
    requirement "V4" { target = "PRIMITIVE~X" }
    requirement "Missing" { target = "PRIMITIVE~X" }
  }
}
`

var valuationTime = time.Date(2026, 3, 2, 17, 0, 0, 0, time.UTC)

func writeConfig(t *testing.T) string {
	t.Helper()
	return testutil.WriteFiles(t, map[string]string{
		"catalog/functions.hcl": catalogHCL,
		"snapshot/eod.hcl":      snapshotHCL,
		"views.hcl":             viewsHCL,
	})
}

func testConfig(t *testing.T, dir string, mutate ...func(*Config)) *Config {
	t.Helper()
	cfg := Config{
		ConfigPaths: []string{dir},
		LogFormat:   "text",
		LogLevel:    "debug",
		Engine:      DefaultEngine(),
	}
	cfg.Engine.Workers = 2
	cfg.Engine.Fragment.MaxSize = 2
	for _, m := range mutate {
		m(&cfg)
	}
	out, err := NewConfig(cfg)
	require.NoError(t, err)
	return out
}

func newTestApp(t *testing.T, cfg *Config) (*App, *bytes.Buffer, *testutil.SafeBuffer) {
	t.Helper()
	out := &bytes.Buffer{}
	logs := &testutil.SafeBuffer{}
	a, err := NewApp(context.Background(), out, logs, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.Close()
		if os.Getenv("CALCGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logs.String())
		}
	})
	return a, out, logs
}

func TestNewConfig(t *testing.T) {
	valid := func() Config {
		return Config{ConfigPaths: []string{"."}, LogFormat: "text", LogLevel: "info", Engine: DefaultEngine()}
	}
	testCases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no paths", mutate: func(c *Config) { c.ConfigPaths = nil }, wantErr: "configuration path is required"},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: "invalid log format"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "trace" }, wantErr: "invalid log level"},
		{name: "bad output", mutate: func(c *Config) { c.Output = "csv" }, wantErr: "invalid output"},
		{name: "zero workers", mutate: func(c *Config) { c.Engine.Workers = 0 }, wantErr: "workers must be at least 1"},
		{name: "inverted fragment bounds", mutate: func(c *Config) { c.Engine.Fragment.MinSize = 5; c.Engine.Fragment.MaxSize = 2 }, wantErr: "below fragment.min_size"},
		{name: "no concurrency", mutate: func(c *Config) { c.Engine.Fragment.MaxConcurrency = 0 }, wantErr: "max_concurrency"},
		{name: "unknown run queue", mutate: func(c *Config) { c.Engine.RunQueue = "random" }, wantErr: "random"},
		{name: "bad decay", mutate: func(c *Config) { c.Engine.Cost.Decay = 1.5 }, wantErr: "cost.decay"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			got, err := NewConfig(cfg)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "table", got.Output)
		})
	}
}

func TestLoadEngineFile(t *testing.T) {
	dir := testutil.WriteFiles(t, map[string]string{
		"engine.yaml": `
workers: 3
run_queue: lifo
fragment:
  max_size: 50
  max_cost: 20ms
cost:
  decay: 0.5
inline_single_item_jobs: true
`,
		"empty.yaml": "",
		"bad.yaml":   "wrokers: 3\n",
	})

	e, err := LoadEngineFile(filepath.Join(dir, "engine.yaml"), DefaultEngine())
	require.NoError(t, err)
	assert.Equal(t, 3, e.Workers)
	assert.Equal(t, "lifo", e.RunQueue)
	assert.Equal(t, 50, e.Fragment.MaxSize)
	assert.Equal(t, 1, e.Fragment.MinSize, "keys missing from the file keep their defaults")
	assert.Equal(t, 20*time.Millisecond, e.Fragment.MaxCost)
	assert.InDelta(t, 0.5, e.Cost.Decay, 1e-9)
	assert.True(t, e.InlineSingleItemJobs)
	assert.True(t, e.FailureReporting)
	require.NoError(t, e.Validate())

	e, err = LoadEngineFile(filepath.Join(dir, "empty.yaml"), DefaultEngine())
	require.NoError(t, err)
	assert.Equal(t, DefaultEngine(), e)

	_, err = LoadEngineFile(filepath.Join(dir, "bad.yaml"), DefaultEngine())
	assert.ErrorContains(t, err, "wrokers")

	_, err = LoadEngineFile(filepath.Join(dir, "missing.yaml"), DefaultEngine())
	assert.ErrorContains(t, err, "read engine file")
}

func TestRunCycle(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "singletons fifo", mutate: func(c *Config) { c.Engine.Fragment.MaxSize = 1; c.Engine.RunQueue = "fifo" }},
		{name: "inline", mutate: func(c *Config) { c.Engine.Fragment.MaxSize = 1; c.Engine.InlineSingleItemJobs = true }},
		{name: "bounded in flight", mutate: func(c *Config) { c.Engine.MaxInFlight = 1 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, out, logs := newTestApp(t, testConfig(t, writeConfig(t), tc.mutate))

			res, err := a.RunCycle(context.Background(), CycleRequest{View: "book", CalcConfig: "default", ValuationTime: valuationTime})
			require.NoError(t, err)
			require.Len(t, res.Outcomes, 3)
			assert.Empty(t, res.Failed())

			rendered := out.String()
			assert.Contains(t, rendered, "book / default @ 2026-03-02T17:00:00Z")
			assert.Contains(t, rendered, "V0")
			assert.Contains(t, rendered, "13")
			assert.Contains(t, rendered, "0 failed")
			assert.Contains(t, logs.String(), "Cycle finished.")
		})
	}
}

func TestRunCycleJSONAndPartialFailure(t *testing.T) {
	a, out, _ := newTestApp(t, testConfig(t, writeConfig(t), func(c *Config) { c.Output = "json" }))

	_, err := a.RunCycle(context.Background(), CycleRequest{View: "book", CalcConfig: "partial", ValuationTime: valuationTime})
	require.ErrorIs(t, err, ErrOutputsFailed)
	assert.ErrorContains(t, err, "1 of 2 outputs")

	var got resultJSON
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "book", got.View)
	assert.Equal(t, "partial", got.CalcConfig)
	require.Len(t, got.Outcomes, 2)
	byValue := make(map[string]outcomeJSON)
	for _, o := range got.Outcomes {
		byValue[strings.SplitN(o.Requirement, "[", 2)[0]] = o
	}
	missing := got.Outcomes[0]
	assert.Contains(t, missing.Requirement, "Missing")
	assert.NotEmpty(t, missing.Failure)
	assert.Empty(t, missing.Value)
	v4 := got.Outcomes[1]
	assert.Contains(t, v4.Requirement, "V4")
	assert.JSONEq(t, "13", string(v4.Value))
	assert.Len(t, byValue, 2)
}

func TestRunCycleUnknownView(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig(t, writeConfig(t)))
	_, err := a.RunCycle(context.Background(), CycleRequest{View: "risk", CalcConfig: "default"})
	assert.ErrorContains(t, err, `view "risk" is not defined`)
	_, err = a.RunCycle(context.Background(), CycleRequest{View: "book", CalcConfig: "stress"})
	assert.ErrorContains(t, err, `no calculation configuration "stress"`)
}

func TestPlan(t *testing.T) {
	a, out, _ := newTestApp(t, testConfig(t, writeConfig(t)))
	require.NoError(t, a.Plan(context.Background(), CycleRequest{View: "book", CalcConfig: "partial", ValuationTime: valuationTime}))

	rendered := out.String()
	assert.Contains(t, rendered, "FRAGMENT")
	assert.Contains(t, rendered, "3 nodes, 1 market data inputs")
	assert.Contains(t, rendered, "n4(PRIMITIVE~X)")
	assert.Contains(t, rendered, "Missing", "unresolved requirements are listed with their cause")
}

func TestHealthMux(t *testing.T) {
	a, _, _ := newTestApp(t, testConfig(t, writeConfig(t)))
	_, err := a.RunCycle(context.Background(), CycleRequest{View: "book", CalcConfig: "default"})
	require.NoError(t, err)

	server := httptest.NewServer(a.healthMux())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "calcgrid_dispatcher_jobs_dispatched_total")
	assert.Contains(t, body.String(), "calcgrid_builder_")
}

func TestCostStatisticsPersist(t *testing.T) {
	dir := writeConfig(t)
	dbPath := filepath.Join(t.TempDir(), "costs")
	cfg := testConfig(t, dir, func(c *Config) { c.Engine.Cost.DBPath = dbPath })

	first, err := NewApp(context.Background(), &bytes.Buffer{}, &testutil.SafeBuffer{}, cfg)
	require.NoError(t, err)
	_, err = first.RunCycle(context.Background(), CycleRequest{View: "book", CalcConfig: "default"})
	require.NoError(t, err)
	require.Len(t, first.costs.Snapshot(), 5)
	require.NoError(t, first.Close())

	second, _, _ := newTestApp(t, cfg)
	snapshot := second.costs.Snapshot()
	require.Len(t, snapshot, 5)
	for k, e := range snapshot {
		assert.Equal(t, int64(1), e.Invocations, "%s", k)
	}
}

func TestReload(t *testing.T) {
	dir := writeConfig(t)
	a, out, logs := newTestApp(t, testConfig(t, dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot", "eod.hcl"), []byte(`
market_data "Spot" {
  target = "PRIMITIVE~X"
  value  = 20
}
`), 0o600))
	require.NoError(t, a.Reload())
	assert.Contains(t, logs.String(), "Configuration reloaded, graph cache invalidated.")

	res, err := a.RunCycle(context.Background(), CycleRequest{View: "book", CalcConfig: "partial"})
	require.ErrorIs(t, err, ErrOutputsFailed)
	assert.Contains(t, out.String(), "23")
	require.Len(t, res.Outcomes, 2)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "views.hcl"), []byte(`view "broken" {`), 0o600))
	assert.ErrorContains(t, a.Reload(), "failed to parse HCL file")
	_, err = a.RunCycle(context.Background(), CycleRequest{View: "book", CalcConfig: "default"})
	assert.NoError(t, err, "a failed reload keeps the previous configuration")
}

func TestWatch(t *testing.T) {
	if testing.Short() {
		t.Skip("relies on file system notifications")
	}
	dir := writeConfig(t)
	a, out, logs := newTestApp(t, testConfig(t, dir))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx, CycleRequest{View: "book", CalcConfig: "default"}) }()

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Cycle finished.")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot", "eod.hcl"), []byte(`
market_data "Spot" {
  target = "PRIMITIVE~X"
  value  = 30
}
`), 0o600))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Configuration reloaded, graph cache invalidated.") &&
			strings.Count(logs.String(), "Cycle finished.") >= 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.Contains(t, out.String(), "33")
}

func TestServeNode(t *testing.T) {
	if testing.Short() {
		t.Skip("opens a local websocket server")
	}
	dir := writeConfig(t)
	node, _, _ := newTestApp(t, testConfig(t, dir))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(ctxlog.WithLogger(context.Background(), node.logger))
	done := make(chan error, 1)
	go func() { done <- node.serveNode(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, out, _ := newTestApp(t, testConfig(t, dir, func(c *Config) {
		c.Engine.RemoteNodeURL = "http://" + lis.Addr().String()
	}))
	res, err := client.RunCycle(context.Background(), CycleRequest{View: "book", CalcConfig: "default", ValuationTime: valuationTime})
	require.NoError(t, err)
	assert.Empty(t, res.Failed())
	assert.Contains(t, out.String(), "13")
}
