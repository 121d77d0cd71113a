package plugin

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/keepmind9/botfleet/internal/metrics"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/keepmind9/botfleet/pkg/constants"
	"github.com/sirupsen/logrus"
)

// SourceLoader reads persisted plugin sources. store.Repository satisfies it.
type SourceLoader interface {
	FindPluginSource(ctx context.Context, name string) (*store.PluginSource, error)
}

// Options configures a Manager
type Options struct {
	ExecTimeout    time.Duration // Default per-execution timeout
	CompileTimeout time.Duration // Bounds one compilation, package init included
	UnloadGrace    time.Duration // How long Unload waits for in-flight executions
	Loader         SourceLoader  // Optional; used by Reload
	Compiler       Compiler      // Defaults to NewYaegiCompiler()
}

// Request carries the fields a plugin can see
type Request struct {
	BotID     int64
	ChatID    string
	UserID    string
	Username  string
	Text      string
	Command   string
	Args      []string
	RequestID string
}

func (r Request) input() Input {
	return Input{
		"text":       r.Text,
		"command":    r.Command,
		"args":       strings.Join(r.Args, " "),
		"chat_id":    r.ChatID,
		"user_id":    r.UserID,
		"username":   r.Username,
		"bot_id":     strconv.FormatInt(r.BotID, 10),
		"request_id": r.RequestID,
	}
}

// Result is the outcome of one execution
type Result struct {
	Plugin   string
	Version  int64
	Output   string
	Success  bool
	TimedOut bool
	Elapsed  time.Duration
	Err      error
}

// Info describes one plugin known to the manager
type Info struct {
	Name        string             `json:"name"`
	EntryPoint  string             `json:"entry_point"`
	Author      string             `json:"author,omitempty"`
	Description string             `json:"description,omitempty"`
	Version     int64              `json:"version"`
	Tag         string             `json:"tag"`
	Status      store.PluginStatus `json:"status"`
	CompiledAt  time.Time          `json:"compiled_at"`
	Stats       Stats              `json:"stats"`
}

// slot holds everything the manager knows about one plugin name
type slot struct {
	name string

	// op serializes compile, load, unload and reload of this name
	op sync.Mutex

	mu       sync.RWMutex
	artifact *Unit // Last successfully compiled unit
	status   store.PluginStatus
	version  int64

	active atomic.Pointer[Unit]
	stats  statsRecorder
}

// Manager compiles, hosts and executes plugins
type Manager struct {
	mu    sync.RWMutex
	slots map[string]*slot

	execTimeout    time.Duration
	compileTimeout time.Duration
	unloadGrace    time.Duration
	loader         SourceLoader
	compiler       Compiler
}

// NewManager creates a plugin manager
func NewManager(opts Options) *Manager {
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = constants.DefaultPluginExecTimeout
	}
	if opts.CompileTimeout <= 0 {
		opts.CompileTimeout = constants.DefaultPluginCompileTimeout
	}
	if opts.UnloadGrace <= 0 {
		opts.UnloadGrace = constants.DefaultUnloadGrace
	}
	if opts.Compiler == nil {
		opts.Compiler = NewYaegiCompiler()
	}
	return &Manager{
		slots:          make(map[string]*slot),
		execTimeout:    opts.ExecTimeout,
		compileTimeout: opts.CompileTimeout,
		unloadGrace:    opts.UnloadGrace,
		loader:         opts.Loader,
		compiler:       opts.Compiler,
	}
}

func (m *Manager) slot(name string) (*slot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.slots[name]
	return s, ok
}

func (m *Manager) slotOrCreate(name string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[name]
	if !ok {
		s = &slot{name: name, status: store.PluginUnloaded}
		m.slots[name] = s
	}
	return s
}

// lockSlot returns the slot of name with its op lock held. A slot removed
// from the table while we waited for it is never returned.
func (m *Manager) lockSlot(name string) *slot {
	for {
		s := m.slotOrCreate(name)
		s.op.Lock()
		if cur, ok := m.slot(name); ok && cur == s {
			return s
		}
		s.op.Unlock()
	}
}

// forget drops s from the table. Caller holds s.op.
func (m *Manager) forget(s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[s.name] == s {
		delete(m.slots, s.name)
	}
}

// compile runs the compiler bounded by the compile timeout and ctx. Source
// whose package init never returns is abandoned, like a timed-out execution.
func (m *Manager) compile(ctx context.Context, name string, spec Spec) (*Unit, error) {
	ctx, cancel := context.WithTimeout(ctx, m.compileTimeout)
	defer cancel()

	type compileResult struct {
		unit *Unit
		err  error
	}
	done := make(chan compileResult, 1)
	start := time.Now()
	go func() {
		unit, err := m.compiler.Compile(name, spec)
		done <- compileResult{unit: unit, err: err}
	}()

	select {
	case r := <-done:
		return r.unit, r.err
	case <-ctx.Done():
		elapsed := time.Since(start).Round(time.Millisecond)
		logger.WithPlugin(name).WithField("elapsed", elapsed).Warn("plugin-compilation-timeout")
		return nil, &errs.Error{
			Kind:        errs.KindCompilation,
			Op:          "plugin.compile",
			Msg:         fmt.Sprintf("plugin %q", name),
			Err:         ctx.Err(),
			Diagnostics: []string{fmt.Sprintf("compilation did not finish within %s", elapsed)},
		}
	}
}

// CompileAndLoad compiles source and makes it the active unit for name.
// A compile failure leaves any previously active unit in place; a name that
// never compiled is not kept.
func (m *Manager) CompileAndLoad(ctx context.Context, name string, spec Spec) (Info, error) {
	s := m.lockSlot(name)
	defer s.op.Unlock()

	unit, err := m.compile(ctx, name, spec)
	if err != nil {
		s.mu.Lock()
		neverCompiled := s.artifact == nil
		if neverCompiled {
			s.status = store.PluginError
		}
		s.mu.Unlock()
		info := m.info(s)
		if neverCompiled {
			m.forget(s)
		}

		logger.WithPlugin(name).WithFields(logrus.Fields{
			"diagnostics": errs.DiagnosticsOf(err),
		}).Warn("plugin-compilation-failed")
		return info, err
	}

	m.activate(s, unit)
	logger.WithPlugin(name).WithFields(logrus.Fields{
		"version": unit.Version,
		"tag":     unit.Tag,
		"entry":   spec.EntryPoint(),
	}).Info("plugin-loaded")
	return m.info(s), nil
}

// activate installs unit as the new artifact and active unit. Caller holds s.op.
func (m *Manager) activate(s *slot, unit *Unit) {
	s.mu.Lock()
	s.version++
	unit.Version = s.version
	s.artifact = unit
	s.status = store.PluginLoaded
	s.mu.Unlock()

	s.active.Store(unit)
}

// Load activates the last compiled artifact of name
func (m *Manager) Load(name string) (Info, error) {
	s, ok := m.slot(name)
	if !ok {
		return Info{}, errs.NotFound("plugin.load", "plugin %q not found", name)
	}
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	artifact := s.artifact
	if artifact != nil {
		s.status = store.PluginLoaded
	}
	s.mu.Unlock()

	if artifact == nil {
		return m.info(s), errs.NotFound("plugin.load", "plugin %q has no compiled artifact", name)
	}
	if s.active.Load() != artifact {
		s.active.Store(artifact)
		logger.WithPlugin(name).WithField("version", artifact.Version).Info("plugin-loaded")
	}
	return m.info(s), nil
}

// Unload deactivates name and waits up to the unload grace for in-flight
// executions. forced reports that the grace expired with executions still running.
func (m *Manager) Unload(name string) (forced bool, err error) {
	s, ok := m.slot(name)
	if !ok {
		return false, errs.NotFound("plugin.unload", "plugin %q not found", name)
	}
	s.op.Lock()
	defer s.op.Unlock()

	old := s.active.Swap(nil)
	s.mu.Lock()
	if s.artifact != nil {
		s.status = store.PluginUnloaded
	}
	s.mu.Unlock()

	if old == nil {
		return false, nil
	}

	forced = !drain(old, m.unloadGrace)
	entry := logger.WithPlugin(name).WithField("version", old.Version)
	if forced {
		entry.WithField("in_flight", old.InFlight()).Warn("plugin-unload-forced")
	} else {
		entry.Info("plugin-unloaded")
	}
	return forced, nil
}

// drain waits until u has no in-flight executions, reporting false on timeout
func drain(u *Unit, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for u.InFlight() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// Reload recompiles name from its persisted source (or the last compiled
// source when no loader is configured) and swaps it in. On failure the
// current unit stays active and one failure sample is recorded.
func (m *Manager) Reload(ctx context.Context, name string) (Info, error) {
	s, ok := m.slot(name)
	if !ok {
		return Info{}, errs.NotFound("plugin.reload", "plugin %q not found", name)
	}
	s.op.Lock()
	defer s.op.Unlock()

	spec, err := m.reloadSpec(ctx, s)
	if err != nil {
		return m.info(s), err
	}

	start := time.Now()
	unit, err := m.compile(ctx, name, spec)
	if err != nil {
		m.record(s, outcomeError, time.Since(start), err)
		logger.WithPlugin(name).WithFields(logrus.Fields{
			"diagnostics": errs.DiagnosticsOf(err),
		}).Warn("plugin-reload-failed")
		return m.info(s), err
	}

	m.activate(s, unit)
	logger.WithPlugin(name).WithFields(logrus.Fields{
		"version": unit.Version,
		"tag":     unit.Tag,
	}).Info("plugin-reloaded")
	return m.info(s), nil
}

func (m *Manager) reloadSpec(ctx context.Context, s *slot) (Spec, error) {
	s.mu.RLock()
	var current Spec
	if s.artifact != nil {
		current = s.artifact.Spec
	}
	s.mu.RUnlock()

	if m.loader != nil {
		src, err := m.loader.FindPluginSource(ctx, s.name)
		switch {
		case err == nil:
			return Spec{
				Source:      src.Source,
				EntryClass:  src.EntryClass,
				EntryMethod: src.EntryMethod,
				Author:      src.Author,
				Description: src.Description,
			}, nil
		case errs.IsKind(err, errs.KindNotFound):
		default:
			logger.WithPlugin(s.name).WithField("error", err).Warn("failed-to-read-plugin-source")
		}
	}

	if current.Source == "" {
		return Spec{}, errs.NotFound("plugin.reload", "plugin %q has no source", s.name)
	}
	return current, nil
}

// Execute runs the active unit of name. The effective timeout is the
// shorter of the manager's exec timeout and ctx's deadline. A timeout
// records a failure sample and leaves the plugin loaded.
func (m *Manager) Execute(ctx context.Context, name string, req Request) Result {
	res := Result{Plugin: name}

	s, ok := m.slot(name)
	if !ok {
		res.Err = errs.NotFound("plugin.execute", "plugin %q not found", name)
		return res
	}
	unit := s.active.Load()
	if unit == nil {
		res.Err = fmt.Errorf("plugin %q: %w", name, errs.ErrNotLoaded)
		return res
	}
	res.Version = unit.Version

	ctx, cancel := context.WithTimeout(ctx, m.execTimeout)
	defer cancel()

	type callResult struct {
		out string
		err error
	}
	done := make(chan callResult, 1)
	in := req.input()

	start := time.Now()
	unit.inflight.Add(1)
	go func() {
		defer unit.inflight.Add(-1)
		out, err := unit.call(in)
		done <- callResult{out: out, err: err}
	}()

	select {
	case r := <-done:
		res.Elapsed = time.Since(start)
		if r.err != nil {
			res.Err = errs.Wrap(errs.KindExecution, "plugin.execute", r.err, "plugin %q", name)
			m.record(s, outcomeError, res.Elapsed, r.err)
			return res
		}
		res.Output = r.out
		res.Success = true
		m.record(s, outcomeSuccess, res.Elapsed, nil)
	case <-ctx.Done():
		// The interpreter cannot be interrupted; the goroutine finishes on its own
		// and its result is discarded.
		res.Elapsed = time.Since(start)
		res.TimedOut = true
		res.Err = errs.New(errs.KindExecution, "plugin.execute", "plugin %q timed out after %s", name, res.Elapsed.Round(time.Millisecond))
		m.record(s, outcomeTimeout, res.Elapsed, res.Err)
		logger.WithPlugin(name).WithField("elapsed", res.Elapsed).Warn("plugin-execution-timeout")
	}
	return res
}

func (m *Manager) record(s *slot, o outcome, elapsed time.Duration, err error) {
	s.stats.record(o, elapsed, err)
	metrics.PluginExecutions.WithLabelValues(s.name, string(o)).Inc()
	metrics.PluginLatency.WithLabelValues(s.name).Observe(elapsed.Seconds())
}

// Stats returns the execution statistics of name
func (m *Manager) Stats(name string) (Stats, error) {
	s, ok := m.slot(name)
	if !ok {
		return Stats{}, errs.NotFound("plugin.stats", "plugin %q not found", name)
	}
	return s.stats.snapshot(), nil
}

// Info returns the description of name
func (m *Manager) Info(name string) (Info, error) {
	s, ok := m.slot(name)
	if !ok {
		return Info{}, errs.NotFound("plugin.info", "plugin %q not found", name)
	}
	return m.info(s), nil
}

func (m *Manager) info(s *slot) Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{
		Name:   s.name,
		Status: s.status,
		Stats:  s.stats.snapshot(),
	}
	if s.artifact != nil {
		info.EntryPoint = s.artifact.Spec.EntryPoint()
		info.Author = s.artifact.Spec.Author
		info.Description = s.artifact.Spec.Description
		info.Version = s.artifact.Version
		info.Tag = s.artifact.Tag
		info.CompiledAt = s.artifact.CompiledAt
	}
	return info
}

// ListLoaded returns the currently loaded plugins sorted by name
func (m *Manager) ListLoaded() []Info {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		if s.active.Load() != nil {
			slots = append(slots, s)
		}
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(slots))
	for _, s := range slots {
		out = append(out, m.info(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsLoaded reports whether name has an active unit
func (m *Manager) IsLoaded(name string) bool {
	s, ok := m.slot(name)
	return ok && s.active.Load() != nil
}

// ClearAll unloads every plugin and forgets all artifacts and statistics
func (m *Manager) ClearAll() {
	m.mu.Lock()
	slots := m.slots
	m.slots = make(map[string]*slot)
	m.mu.Unlock()

	for _, s := range slots {
		s.op.Lock()
		s.active.Store(nil)
		s.mu.Lock()
		s.artifact = nil
		s.status = store.PluginUnloaded
		s.mu.Unlock()
		s.stats.reset()
		s.op.Unlock()
	}
	logger.WithField("count", len(slots)).Info("plugins-cleared")
}
