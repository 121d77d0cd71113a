package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCompiler maps source text to Go functions so manager tests do not depend on the interpreter
type fakeCompiler struct {
	mu      sync.Mutex
	entries map[string]func(Input) (string, error)
	calls   int
}

func newFakeCompiler() *fakeCompiler {
	return &fakeCompiler{entries: make(map[string]func(Input) (string, error))}
}

func (c *fakeCompiler) define(source string, fn func(Input) (string, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[source] = fn
}

func (c *fakeCompiler) Compile(name string, spec Spec) (*Unit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	fn, ok := c.entries[spec.Source]
	if !ok {
		return nil, &errs.Error{
			Kind:        errs.KindCompilation,
			Op:          "plugin.compile",
			Msg:         fmt.Sprintf("plugin %q", name),
			Diagnostics: []string{"1:1: expected 'package'"},
		}
	}
	return newUnit(name, spec, fn), nil
}

type fakeLoader struct {
	mu      sync.Mutex
	sources map[string]*store.PluginSource
}

func (l *fakeLoader) set(name, source string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sources == nil {
		l.sources = make(map[string]*store.PluginSource)
	}
	l.sources[name] = &store.PluginSource{Name: name, Source: source, EntryClass: name, EntryMethod: "Handle"}
}

func (l *fakeLoader) FindPluginSource(ctx context.Context, name string) (*store.PluginSource, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	src, ok := l.sources[name]
	if !ok {
		return nil, errs.NotFound("store.find_plugin_source", "plugin %q not found", name)
	}
	return src, nil
}

func spec(source string) Spec {
	return Spec{Source: source, EntryClass: "p", EntryMethod: "Handle"}
}

func constant(out string) func(Input) (string, error) {
	return func(Input) (string, error) { return out, nil }
}

func TestManager_CompileAndExecute(t *testing.T) {
	c := newFakeCompiler()
	c.define("echo", func(in Input) (string, error) { return "echo: " + in["text"], nil })
	m := NewManager(Options{Compiler: c})

	info, err := m.CompileAndLoad(context.Background(), "echo", spec("echo"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, store.PluginLoaded, info.Status)
	assert.Equal(t, SourceTag("echo"), info.Tag)
	assert.True(t, m.IsLoaded("echo"))

	res := m.Execute(context.Background(), "echo", Request{Text: "hi", BotID: 7})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "echo: hi", res.Output)
	assert.Equal(t, int64(1), res.Version)

	stats, err := m.Stats("echo")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Executions)
	assert.Equal(t, int64(1), stats.Successes)
	assert.False(t, stats.LastRun.IsZero())
}

func TestManager_RequestFieldsReachPlugin(t *testing.T) {
	c := newFakeCompiler()
	var got Input
	c.define("capture", func(in Input) (string, error) { got = in; return "", nil })
	m := NewManager(Options{Compiler: c})
	_, err := m.CompileAndLoad(context.Background(), "capture", spec("capture"))
	require.NoError(t, err)

	res := m.Execute(context.Background(), "capture", Request{
		BotID: 3, ChatID: "100", UserID: "9", Username: "ann",
		Text: "/weather paris now", Command: "weather", Args: []string{"paris", "now"},
	})
	require.NoError(t, res.Err)
	assert.Equal(t, "3", got["bot_id"])
	assert.Equal(t, "100", got["chat_id"])
	assert.Equal(t, "weather", got["command"])
	assert.Equal(t, "paris now", got["args"])
	assert.Equal(t, "ann", got["username"])
}

func TestManager_ExecutionErrorRecordsFailure(t *testing.T) {
	c := newFakeCompiler()
	c.define("boom", func(Input) (string, error) { return "", errors.New("bad input") })
	c.define("panic", func(Input) (string, error) { panic("oops") })
	m := NewManager(Options{Compiler: c})
	ctx := context.Background()

	_, err := m.CompileAndLoad(ctx, "boom", spec("boom"))
	require.NoError(t, err)
	_, err = m.CompileAndLoad(ctx, "panic", spec("panic"))
	require.NoError(t, err)

	res := m.Execute(ctx, "boom", Request{})
	assert.False(t, res.Success)
	assert.True(t, errs.IsKind(res.Err, errs.KindExecution))

	res = m.Execute(ctx, "panic", Request{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Err.Error(), "oops")
	assert.True(t, m.IsLoaded("panic"))

	stats, _ := m.Stats("boom")
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, "bad input", stats.LastError)
}

func TestManager_TimeoutKeepsPluginLoaded(t *testing.T) {
	c := newFakeCompiler()
	release := make(chan struct{})
	defer close(release)
	c.define("slow", func(Input) (string, error) { <-release; return "late", nil })
	m := NewManager(Options{Compiler: c, ExecTimeout: 30 * time.Millisecond})

	_, err := m.CompileAndLoad(context.Background(), "slow", spec("slow"))
	require.NoError(t, err)

	res := m.Execute(context.Background(), "slow", Request{})
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
	assert.True(t, errs.IsKind(res.Err, errs.KindExecution))
	assert.True(t, m.IsLoaded("slow"))

	stats, err := m.Stats("slow")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Executions)
	assert.Equal(t, int64(1), stats.Timeouts)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Zero(t, stats.Successes)
}

func TestManager_CallerDeadlineShortensTimeout(t *testing.T) {
	c := newFakeCompiler()
	release := make(chan struct{})
	defer close(release)
	c.define("slow", func(Input) (string, error) { <-release; return "", nil })
	m := NewManager(Options{Compiler: c, ExecTimeout: time.Minute})
	_, err := m.CompileAndLoad(context.Background(), "slow", spec("slow"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := m.Execute(ctx, "slow", Request{})
	assert.True(t, res.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestManager_InvalidReloadKeepsOldUnit(t *testing.T) {
	c := newFakeCompiler()
	c.define("v1", constant("one"))
	loader := &fakeLoader{}
	m := NewManager(Options{Compiler: c, Loader: loader})
	ctx := context.Background()

	_, err := m.CompileAndLoad(ctx, "greet", spec("v1"))
	require.NoError(t, err)

	loader.set("greet", "not go at all")
	info, err := m.Reload(ctx, "greet")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCompilation))
	assert.NotEmpty(t, errs.DiagnosticsOf(err))
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, store.PluginLoaded, info.Status)

	res := m.Execute(ctx, "greet", Request{})
	require.NoError(t, res.Err)
	assert.Equal(t, "one", res.Output)

	stats, _ := m.Stats("greet")
	assert.Equal(t, int64(2), stats.Executions)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), stats.Successes)
}

func TestManager_ReloadSwapsVersion(t *testing.T) {
	c := newFakeCompiler()
	c.define("v1", constant("one"))
	c.define("v2", constant("two"))
	loader := &fakeLoader{}
	m := NewManager(Options{Compiler: c, Loader: loader})
	ctx := context.Background()

	_, err := m.CompileAndLoad(ctx, "greet", spec("v1"))
	require.NoError(t, err)

	loader.set("greet", "v2")
	info, err := m.Reload(ctx, "greet")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version)
	assert.Equal(t, SourceTag("v2"), info.Tag)

	res := m.Execute(ctx, "greet", Request{})
	assert.Equal(t, "two", res.Output)
	assert.Equal(t, int64(2), res.Version)
}

func TestManager_ReloadWithoutLoaderRecompilesLastSource(t *testing.T) {
	c := newFakeCompiler()
	c.define("v1", constant("one"))
	m := NewManager(Options{Compiler: c})
	ctx := context.Background()

	_, err := m.CompileAndLoad(ctx, "greet", spec("v1"))
	require.NoError(t, err)
	forced, err := m.Unload("greet")
	require.NoError(t, err)
	assert.False(t, forced)

	info, err := m.Reload(ctx, "greet")
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.Version)
	assert.True(t, m.IsLoaded("greet"))
}

func TestManager_CompileFailureLeavesErrorStatus(t *testing.T) {
	m := NewManager(Options{Compiler: newFakeCompiler()})

	info, err := m.CompileAndLoad(context.Background(), "broken", spec("garbage"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCompilation))
	assert.Equal(t, store.PluginError, info.Status)
	assert.False(t, m.IsLoaded("broken"))

	_, err = m.Load("broken")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))

	// A name that never compiled is unknown, not unloaded
	res := m.Execute(context.Background(), "broken", Request{})
	assert.True(t, errs.IsKind(res.Err, errs.KindNotFound))
	assert.False(t, errors.Is(res.Err, errs.ErrNotLoaded))
	_, err = m.Stats("broken")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	assert.Empty(t, m.ListLoaded())
}

func TestManager_CompileFailureKeepsPreviousVersion(t *testing.T) {
	c := newFakeCompiler()
	c.define("v1", constant("one"))
	m := NewManager(Options{Compiler: c})
	ctx := context.Background()

	_, err := m.CompileAndLoad(ctx, "p", spec("v1"))
	require.NoError(t, err)

	info, err := m.CompileAndLoad(ctx, "p", spec("garbage"))
	require.Error(t, err)
	assert.Equal(t, store.PluginLoaded, info.Status)
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, "one", m.Execute(ctx, "p", Request{}).Output)
}

// stuckCompiler never returns, like source whose package init loops forever
type stuckCompiler struct {
	release chan struct{}
}

func (c stuckCompiler) Compile(name string, spec Spec) (*Unit, error) {
	<-c.release
	return nil, errors.New("released")
}

func TestManager_CompileTimeout(t *testing.T) {
	c := stuckCompiler{release: make(chan struct{})}
	defer close(c.release)
	m := NewManager(Options{Compiler: c, CompileTimeout: 30 * time.Millisecond})

	start := time.Now()
	_, err := m.CompileAndLoad(context.Background(), "stuck", spec("loop"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCompilation))
	assert.Less(t, time.Since(start), time.Second)
	assert.NotEmpty(t, errs.DiagnosticsOf(err))
	assert.False(t, m.IsLoaded("stuck"))

	// The name is free for a later compile
	c2 := newFakeCompiler()
	c2.define("ok", constant("fine"))
	m.compiler = c2
	_, err = m.CompileAndLoad(context.Background(), "stuck", spec("ok"))
	require.NoError(t, err)
	assert.Equal(t, "fine", m.Execute(context.Background(), "stuck", Request{}).Output)
}

func TestManager_CompileTimeoutOnBlockingInit(t *testing.T) {
	m := NewManager(Options{CompileTimeout: 100 * time.Millisecond})

	source := `package sleepy

import "time"

func init() {
	time.Sleep(time.Hour)
}

func Handle(text string) string { return text }
`
	_, err := m.CompileAndLoad(context.Background(), "sleepy", Spec{Source: source, EntryClass: "sleepy", EntryMethod: "Handle"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindCompilation))
	assert.False(t, m.IsLoaded("sleepy"))
}

func TestManager_ExecuteUnloadedAndUnknown(t *testing.T) {
	c := newFakeCompiler()
	c.define("v1", constant("one"))
	m := NewManager(Options{Compiler: c})
	ctx := context.Background()

	res := m.Execute(ctx, "ghost", Request{})
	assert.True(t, errs.IsKind(res.Err, errs.KindNotFound))

	_, err := m.CompileAndLoad(ctx, "p", spec("v1"))
	require.NoError(t, err)
	_, err = m.Unload("p")
	require.NoError(t, err)

	res = m.Execute(ctx, "p", Request{})
	assert.True(t, errors.Is(res.Err, errs.ErrNotLoaded))
	assert.True(t, errs.IsKind(res.Err, errs.KindInvalidState))

	stats, _ := m.Stats("p")
	assert.Zero(t, stats.Executions)

	info, err := m.Load("p")
	require.NoError(t, err)
	assert.Equal(t, store.PluginLoaded, info.Status)
	assert.Equal(t, int64(1), info.Version)
	assert.Equal(t, "one", m.Execute(ctx, "p", Request{}).Output)
}

func TestManager_UnloadWaitsForInFlight(t *testing.T) {
	c := newFakeCompiler()
	started := make(chan struct{})
	release := make(chan struct{})
	c.define("busy", func(Input) (string, error) {
		close(started)
		<-release
		return "done", nil
	})
	m := NewManager(Options{Compiler: c, ExecTimeout: time.Minute, UnloadGrace: time.Second})
	ctx := context.Background()
	_, err := m.CompileAndLoad(ctx, "busy", spec("busy"))
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() { done <- m.Execute(ctx, "busy", Request{}) }()
	<-started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	forced, err := m.Unload("busy")
	require.NoError(t, err)
	assert.False(t, forced)

	res := <-done
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Output)
}

func TestManager_UnloadForcedAfterGrace(t *testing.T) {
	c := newFakeCompiler()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	c.define("stuck", func(Input) (string, error) {
		close(started)
		<-release
		return "", nil
	})
	m := NewManager(Options{Compiler: c, ExecTimeout: time.Minute, UnloadGrace: 30 * time.Millisecond})
	ctx := context.Background()
	_, err := m.CompileAndLoad(ctx, "stuck", spec("stuck"))
	require.NoError(t, err)

	go m.Execute(ctx, "stuck", Request{})
	<-started

	forced, err := m.Unload("stuck")
	require.NoError(t, err)
	assert.True(t, forced)
	assert.False(t, m.IsLoaded("stuck"))
}

func TestManager_UnknownNameOperations(t *testing.T) {
	m := NewManager(Options{Compiler: newFakeCompiler()})

	_, err := m.Unload("x")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	_, err = m.Reload(context.Background(), "x")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	_, err = m.Stats("x")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
	_, err = m.Load("x")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}

func TestManager_ConcurrentExecutionStats(t *testing.T) {
	c := newFakeCompiler()
	c.define("ok", constant("ok"))
	c.define("fail", func(Input) (string, error) { return "", errors.New("no") })
	m := NewManager(Options{Compiler: c})
	ctx := context.Background()
	_, err := m.CompileAndLoad(ctx, "ok", spec("ok"))
	require.NoError(t, err)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Execute(ctx, "ok", Request{})
		}()
	}

	// Swap the unit to a failing one halfway through the load
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.CompileAndLoad(ctx, "ok", spec("fail"))
	}()
	wg.Wait()

	stats, err := m.Stats("ok")
	require.NoError(t, err)
	assert.Equal(t, int64(n), stats.Executions)
	assert.Equal(t, stats.Executions, stats.Successes+stats.Errors)
	assert.Equal(t, stats.TotalLatency/time.Duration(stats.Executions), stats.AverageLatency)
}

func TestManager_ListLoadedAndClearAll(t *testing.T) {
	c := newFakeCompiler()
	c.define("v", constant("v"))
	m := NewManager(Options{Compiler: c})
	ctx := context.Background()

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := m.CompileAndLoad(ctx, name, spec("v"))
		require.NoError(t, err)
	}
	_, err := m.Unload("mid")
	require.NoError(t, err)

	loaded := m.ListLoaded()
	require.Len(t, loaded, 2)
	assert.Equal(t, "alpha", loaded[0].Name)
	assert.Equal(t, "zeta", loaded[1].Name)

	m.Execute(ctx, "alpha", Request{})
	m.ClearAll()

	assert.Empty(t, m.ListLoaded())
	assert.False(t, m.IsLoaded("alpha"))
	_, err = m.Stats("alpha")
	assert.True(t, errs.IsKind(err, errs.KindNotFound))
}
