package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/keepmind9/botfleet/internal/ai"
	"github.com/keepmind9/botfleet/internal/errs"
	"github.com/keepmind9/botfleet/internal/plugin"
	"github.com/keepmind9/botfleet/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubHandler is a configurable Handler for chain tests
type stubHandler struct {
	name      string
	priority  int
	accept    bool
	available bool
	reply     string
	err       error
	panicMsg  string

	mu    sync.Mutex
	calls int
}

func (h *stubHandler) Name() string { return h.name }
func (h *stubHandler) Priority() int { return h.priority }
func (h *stubHandler) Available() bool { return h.available }
func (h *stubHandler) CanHandle(*Request) bool { return h.accept }
func (h *stubHandler) Calls() int { h.mu.Lock(); defer h.mu.Unlock(); return h.calls }
func (h *stubHandler) Execute(ctx context.Context, req *Request) (*Response, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	if h.panicMsg != "" {
		panic(h.panicMsg)
	}
	if h.err != nil {
		return nil, h.err
	}
	return &Response{Text: h.reply}, nil
}

func accepting(name string, priority int) *stubHandler {
	return &stubHandler{name: name, priority: priority, accept: true, available: true, reply: name}
}

func TestChain_PriorityWithStableTies(t *testing.T) {
	x := accepting("X", 10)
	a := accepting("A", 5)
	b := accepting("B", 5)

	chain := NewChain()
	chain.Add(x, a, b)

	resp := chain.Resolve(context.Background(), &Request{Text: "hi"})
	assert.Equal(t, StatusOK, resp.Status)
	assert.Equal(t, "A", resp.Text)
	assert.Equal(t, "A", resp.Handler)
	assert.Equal(t, 1, a.Calls())
	assert.Zero(t, b.Calls())
	assert.Zero(t, x.Calls())

	names := []string{}
	for _, h := range chain.Handlers() {
		names = append(names, h.Name())
	}
	assert.Equal(t, []string{"A", "B", "X"}, names)
}

func TestChain_SkipsUnavailableAndNonMatching(t *testing.T) {
	down := accepting("down", 1)
	down.available = false
	other := &stubHandler{name: "other", priority: 2, available: true}
	last := accepting("last", 3)

	chain := NewChain()
	chain.Add(down, other, last)

	resp := chain.Resolve(context.Background(), &Request{})
	assert.Equal(t, "last", resp.Handler)
	assert.Zero(t, down.Calls())
	assert.Zero(t, other.Calls())
}

func TestChain_NoHandler(t *testing.T) {
	chain := NewChain(WithFallback("I don't understand"))
	chain.Add(&stubHandler{name: "never", available: true})

	resp := chain.Resolve(context.Background(), &Request{Text: "?"})
	assert.Equal(t, StatusNoHandler, resp.Status)
	assert.Equal(t, "I don't understand", resp.Text)

	silent := NewChain().Resolve(context.Background(), &Request{})
	assert.Equal(t, StatusNoHandler, silent.Status)
	assert.Empty(t, silent.Text)
}

func TestChain_FailuresBecomeResponses(t *testing.T) {
	tests := []struct {
		name    string
		handler *stubHandler
		wantErr string
	}{
		{
			name:    "error",
			handler: &stubHandler{name: "err", accept: true, available: true, err: errors.New("backend down")},
			wantErr: "backend down",
		},
		{
			name:    "panic",
			handler: &stubHandler{name: "boom", accept: true, available: true, panicMsg: "nil map"},
			wantErr: "nil map",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := NewChain(WithFailureText("oops"))
			fallback := accepting("fallback", 100)
			chain.Add(tt.handler, fallback)

			resp := chain.Resolve(context.Background(), &Request{})
			require.NotNil(t, resp)
			assert.Equal(t, StatusFailed, resp.Status)
			assert.Equal(t, "oops", resp.Text)
			assert.Equal(t, tt.handler.name, resp.Handler)
			assert.ErrorContains(t, resp.Err, tt.wantErr)
			assert.Zero(t, fallback.Calls())
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text    string
		botName string
		name    string
		args    []string
		ok      bool
	}{
		{"/start", "", "start", []string{}, true},
		{"/Weather paris today", "", "weather", []string{"paris", "today"}, true},
		{"/help@FleetBot", "fleetbot", "help", []string{}, true},
		{"/help@OtherBot", "fleetbot", "", nil, false},
		{"hello /start", "", "", nil, false},
		{"/", "", "", nil, false},
		{"", "", "", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			name, args, ok := ParseCommand(tt.text, tt.botName)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			if tt.ok {
				assert.Equal(t, tt.args, args)
			}
		})
	}
}

func TestNewMatcher(t *testing.T) {
	tests := []struct {
		kind    store.TriggerType
		trigger string
		text    string
		want    bool
	}{
		{store.TriggerExact, "hello", " Hello ", true},
		{store.TriggerExact, "hello", "hello there", false},
		{store.TriggerPrefix, "price", "Price of btc", true},
		{store.TriggerPrefix, "price", "the price", false},
		{store.TriggerPattern, `^\d{4}$`, "2026", true},
		{store.TriggerPattern, `^\d{4}$`, "20265", false},
		{store.TriggerCommand, "/weather", "/weather berlin", true},
		{store.TriggerCommand, "weather", "/weather@bot", true},
		{store.TriggerCommand, "weather", "weather", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+"/"+tt.text, func(t *testing.T) {
			m, err := NewMatcher(tt.kind, tt.trigger)
			require.NoError(t, err)
			assert.Equal(t, tt.want, m(NewRequest(1, "", "1", "1", "u", tt.text)))
		})
	}

	_, err := NewMatcher(store.TriggerPattern, "(")
	assert.Error(t, err)
	_, err = NewMatcher("fuzzy", "x")
	assert.Error(t, err)
}

func TestTemplateHandler(t *testing.T) {
	m, _ := NewMatcher(store.TriggerCommand, "greet")
	h, err := NewTemplateHandler("greet", 0, m, "Hello {{.Username}}, you said {{.ArgsText}}")
	require.NoError(t, err)

	resp, err := h.Execute(context.Background(), NewRequest(1, "", "10", "20", "ann", "/greet good morning"))
	require.NoError(t, err)
	assert.Equal(t, "Hello ann, you said good morning", resp.Text)

	_, err = NewTemplateHandler("bad", 0, m, "{{.Broken")
	assert.Error(t, err)
}

type fakeExecutor struct {
	mu      sync.Mutex
	loaded  bool
	results []plugin.Result
	calls   int
	seen    []plugin.Request
}

func (e *fakeExecutor) IsLoaded(string) bool { return e.loaded }

func (e *fakeExecutor) Execute(ctx context.Context, name string, req plugin.Request) plugin.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seen = append(e.seen, req)
	r := e.results[e.calls]
	if e.calls < len(e.results)-1 {
		e.calls++
	}
	return r
}

func TestPluginHandler_RetriesThenSucceeds(t *testing.T) {
	exec := &fakeExecutor{loaded: true, results: []plugin.Result{
		{Err: errs.New(errs.KindExecution, "plugin.execute", "timed out")},
		{Output: "sunny", Success: true},
	}}
	m, _ := NewMatcher(store.TriggerCommand, "weather")
	h := NewPluginHandler("weather", 0, m, "weather", exec, 2, time.Second)

	resp, err := h.Execute(context.Background(), NewRequest(1, "", "5", "6", "ann", "/weather oslo"))
	require.NoError(t, err)
	assert.Equal(t, "sunny", resp.Text)
	require.Len(t, exec.seen, 2)
	assert.Equal(t, []string{"oslo"}, exec.seen[0].Args)
}

func TestPluginHandler_DoesNotRetryNotLoaded(t *testing.T) {
	exec := &fakeExecutor{loaded: true, results: []plugin.Result{
		{Err: errs.ErrNotLoaded},
	}}
	m, _ := NewMatcher(store.TriggerCommand, "weather")
	h := NewPluginHandler("weather", 0, m, "weather", exec, 3, 0)

	_, err := h.Execute(context.Background(), NewRequest(1, "", "5", "6", "ann", "/weather"))
	assert.ErrorIs(t, err, errs.ErrNotLoaded)
	assert.Len(t, exec.seen, 1)

	exec.loaded = false
	assert.False(t, h.Available())
}

type fakeAI struct {
	mu   sync.Mutex
	fail int
	got  []ai.Request
}

func (c *fakeAI) Chat(ctx context.Context, req ai.Request) (ai.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, req)
	if c.fail > 0 {
		c.fail--
		return ai.Result{}, errors.New("503")
	}
	return ai.Result{Text: "answer"}, nil
}

func TestAIHandler(t *testing.T) {
	client := &fakeAI{fail: 1}
	m, _ := NewMatcher(store.TriggerCommand, "ask")
	h := NewAIHandler("ask", 0, m, client, "be brief", 1, time.Second)
	require.True(t, h.Available())

	resp, err := h.Execute(context.Background(), NewRequest(1, "", "1", "2", "u", "/ask what is go"))
	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Text)
	require.Len(t, client.got, 2)
	assert.Equal(t, "system", client.got[1].Messages[0].Role)
	assert.Equal(t, "what is go", client.got[1].Messages[1].Content)

	unavailable := NewAIHandler("ask", 0, m, nil, "", 0, 0)
	assert.False(t, unavailable.Available())
}

func TestBuild(t *testing.T) {
	records := []store.Command{
		{ID: 1, Name: "hi", TriggerType: store.TriggerExact, Trigger: "hi", HandlerType: store.HandlerTemplate, Response: "hello!", Enabled: true, Priority: 5, Description: "say hi"},
		{ID: 2, Name: "off", TriggerType: store.TriggerExact, Trigger: "hi", Response: "disabled", Enabled: false},
		{ID: 3, Name: "bad", TriggerType: store.TriggerPattern, Trigger: "(", Enabled: true},
		{ID: 4, Name: "weather", TriggerType: store.TriggerCommand, Trigger: "weather", HandlerType: store.HandlerPlugin, PluginName: "weather", Enabled: true, Description: "forecast"},
	}
	exec := &fakeExecutor{loaded: false}
	chain := Build(1, records, Deps{Plugins: exec, Fallback: "?"})

	// hi, weather, help
	assert.Equal(t, 3, chain.Len())

	resp := chain.Resolve(context.Background(), NewRequest(1, "", "1", "1", "u", "hi"))
	assert.Equal(t, "hello!", resp.Text)

	// Plugin not loaded: the handler is skipped and the fallback answers
	resp = chain.Resolve(context.Background(), NewRequest(1, "", "1", "1", "u", "/weather"))
	assert.Equal(t, StatusNoHandler, resp.Status)
	assert.Equal(t, "?", resp.Text)

	resp = chain.Resolve(context.Background(), NewRequest(1, "", "1", "1", "u", "/help"))
	assert.Equal(t, "help", resp.Handler)
	assert.Contains(t, resp.Text, "/weather - forecast")
	assert.Contains(t, resp.Text, "hi - say hi")
}
