package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pretest/internal/engine"
	"github.com/roach88/pretest/internal/ir"
	"github.com/roach88/pretest/internal/store"
	"github.com/roach88/pretest/internal/vcs"
	"github.com/roach88/pretest/internal/vcs/vcstest"
)

const shopConfig = `
package pretest

project: shop: {
	repository: "https://hg.example.com/shop"
	workspace:  "/work/shop"
	staging:    "ready/.*"
	build: command: "make test"
}
`

type testEnv struct {
	opts   *RootOptions
	repo   *vcstest.Repo
	config string
	db     string
	result ir.BuildResult
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := filepath.Join(dir, "pretest.d")
	require.NoError(t, os.Mkdir(cfg, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg, "shop.cue"), []byte(shopConfig), 0o644))

	env := &testEnv{
		repo:   vcstest.NewRepo("default"),
		config: cfg,
		db:     filepath.Join(dir, "pretest.db"),
		result: ir.BuildSuccess,
	}
	env.opts = &RootOptions{
		OpenBackend: func(ir.Project) (vcs.Backend, error) { return env.repo, nil },
		NewExecutor: func(ir.Project) engine.BuildExecutor {
			return engine.BuildFunc(func(context.Context, engine.Workspace, ir.Commit) (ir.BuildResult, error) {
				return env.result, nil
			})
		},
		IDGenerator: engine.NewSequenceGenerator("cycle", 100),
	}
	return env
}

// run executes the root command with the environment's config and database.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := newRootCommand(e.opts)
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--config", e.config, "--db", e.db))
	err := cmd.Execute()
	return buf.String(), err
}

func (e *testEnv) state(t *testing.T) ir.IntegrationState {
	t.Helper()
	st, err := store.Open(e.db)
	require.NoError(t, err)
	defer st.Close()
	s, err := st.LoadState(context.Background(), "shop")
	require.NoError(t, err)
	return s
}

func decode(t *testing.T, out string, data any) CLIResponse {
	t.Helper()
	var resp CLIResponse
	resp.Data = data
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	return resp
}

func TestIntegrate_OneCycle(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	env.repo.CommitOn("ready/bob", "default", "bob", "feature", map[string]string{"b": "1"})

	out, err := env.run(t, "integrate", "shop")
	require.NoError(t, err)
	assert.Contains(t, out, "integrated")
	assert.Contains(t, out, "ready/alice")
	assert.NotContains(t, out, "ready/bob")

	head := env.repo.BranchHead("default")
	assert.Equal(t, head, env.state(t).LastIntegratedRevision)
	assert.Equal(t, head, env.repo.Pushed("default"))
}

func TestIntegrate_DrainJSON(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	env.repo.CommitOn("ready/bob", "default", "bob", "feature", map[string]string{"b": "1"})

	out, err := env.run(t, "integrate", "--drain", "--format", "json")
	require.NoError(t, err)

	var views []outcomeView
	resp := decode(t, out, &views)
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, views, 3)
	assert.Equal(t, ir.OutcomeIntegrated, views[0].Outcome)
	assert.Equal(t, "ready/alice", views[0].Branch)
	assert.Equal(t, ir.OutcomeIntegrated, views[1].Outcome)
	assert.Equal(t, "ready/bob", views[1].Branch)
	assert.Equal(t, ir.OutcomeNoOp, views[2].Outcome)
	assert.Equal(t, []string{"cycle-1", "cycle-2", "cycle-3"}, []string{views[0].ID, views[1].ID, views[2].ID})
}

func TestIntegrate_BuildFailureIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	env.result = ir.BuildFailure
	env.repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	before := env.repo.BranchHead("default")

	out, err := env.run(t, "integrate")
	require.NoError(t, err)
	assert.Contains(t, out, "build")
	assert.Equal(t, before, env.repo.BranchHead("default"))
}

func TestIntegrate_FatalExitsWithFailure(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	env.repo.SetPushError(errors.New("remote: permission denied"))

	out, err := env.run(t, "integrate", "shop")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.True(t, engine.IsPushFailed(err))
	assert.Contains(t, out, "PUSH_FAILED")
}

func TestIntegrate_UnknownProject(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "integrate", "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `unknown project "ghost"`)
}

func TestIntegrate_MissingConfig(t *testing.T) {
	env := newTestEnv(t)
	env.config = filepath.Join(t.TempDir(), "missing")

	_, err := env.run(t, "integrate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "E005")
}

func TestNext_ListsPendingOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	env.repo.CommitOn("ready/bob", "default", "bob", "feature", map[string]string{"b": "1"})

	out, err := env.run(t, "next", "shop")
	require.NoError(t, err)
	assert.Less(t, strings.Index(out, "ready/alice"), strings.Index(out, "ready/bob"))

	var view nextView
	out, err = env.run(t, "next", "shop", "--format", "json")
	require.NoError(t, err)
	decode(t, out, &view)
	require.Len(t, view.Pending, 2)
	assert.Equal(t, "alice", view.Pending[0].Author)
	assert.Empty(t, env.state(t).LastIntegratedRevision, "next changes no state")
}

func TestNext_NothingPending(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "next", "shop")
	require.NoError(t, err)
	assert.Contains(t, out, engine.ReasonNoPending)
}

func TestStatus_ShowsStateAndCycles(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})
	_, err := env.run(t, "integrate", "--drain")
	require.NoError(t, err)

	out, err := env.run(t, "status", "--verify")
	require.NoError(t, err)
	assert.Contains(t, out, "shop")
	assert.Contains(t, out, "Recent cycles:")
	assert.Contains(t, out, "cycle-1")
	assert.Contains(t, out, "verified")

	var view statusView
	out, err = env.run(t, "status", "shop", "--limit", "1", "--format", "json")
	require.NoError(t, err)
	decode(t, out, &view)
	require.Len(t, view.States, 1)
	require.Len(t, view.Cycles, 1)
	assert.Equal(t, "cycle-2", view.Cycles[0].ID, "newest first")
	assert.Equal(t, ir.OutcomeNoOp, view.Cycles[0].Outcome)
}

func TestStatus_UnknownProject(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run(t, "status", "ghost")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReset_RequestAndCancel(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "reset", "shop")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset requested for shop")
	assert.True(t, env.state(t).ResetRequested)

	out, err = env.run(t, "reset", "shop", "--cancel")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset cancelled for shop")
	assert.False(t, env.state(t).ResetRequested)

	_, err = env.run(t, "reset", "ghost")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRetry_ClearsConflictRejection(t *testing.T) {
	env := newTestEnv(t)
	alice := env.repo.CommitOn("ready/alice", "default", "alice", "edit", map[string]string{"README": "alice\n"})
	env.repo.CommitOn("default", "", "carol", "edit", map[string]string{"README": "carol\n"})

	out, err := env.run(t, "integrate", "shop")
	require.NoError(t, err)
	assert.Contains(t, out, "conflict")
	require.True(t, env.state(t).IsRejected(alice.ID))

	out, err = env.run(t, "retry", "shop", alice.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 1 rejection(s) for shop")
	assert.False(t, env.state(t).IsRejected(alice.ID))

	_, err = env.run(t, "retry", "ghost")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestNotify_IntegratesMatchingProject(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})

	out, err := env.run(t, "notify", "https://hg.example.com:443/shop")
	require.NoError(t, err)
	assert.Contains(t, out, "Scheduled polling of shop")
	assert.Contains(t, out, "integrated")
	assert.Equal(t, env.repo.BranchHead("default"), env.state(t).LastIntegratedRevision)
}

func TestNotify_ScheduleOnly(t *testing.T) {
	env := newTestEnv(t)
	env.repo.CommitOn("ready/alice", "default", "alice", "feature", map[string]string{"a": "1"})

	var view notifyView
	out, err := env.run(t, "notify", "https://hg.example.com/shop", "--schedule-only", "--format", "json")
	require.NoError(t, err)
	decode(t, out, &view)
	assert.Equal(t, []string{"shop"}, view.Triggered)
	assert.Empty(t, view.Outcomes)
	assert.Empty(t, env.state(t).LastIntegratedRevision)
}

func TestNotify_Diagnostics(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.run(t, "notify", "https://hg.example.com/other")
	require.NoError(t, err)
	assert.Contains(t, out, "No projects using repository: https://hg.example.com/other")

	out, err = env.run(t, "notify", "https://hg.example.com/shop")
	require.NoError(t, err)
	assert.Contains(t, out, "No pending commits")

	_, err = env.run(t, "notify", "not a url")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
