package ai

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/keepmind9/botfleet/internal/logger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// chunkQuiet is how long Chat waits after a prompt turn ends for late
// message chunks. The connection delivers notifications on their own
// goroutines, so the last chunk can trail the prompt response.
const chunkQuiet = 50 * time.Millisecond

// ACPClient answers chat requests by prompting a local agent over the
// Agent Client Protocol. Each Chat runs in a fresh session.
type ACPClient struct {
	conn    *acp.ClientSideConnection
	cwd     string
	timeout time.Duration

	initOnce sync.Once
	initErr  error

	mu    sync.Mutex
	turns map[acp.SessionId]*acpTurn

	cmd   *exec.Cmd
	stdin io.Closer
}

type acpTurn struct {
	mu   sync.Mutex
	text strings.Builder
	last time.Time
}

// NewACPClient starts the configured agent command and connects to it over stdio
func NewACPClient(cfg Config) (*ACPClient, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("acp: ai.command is empty")
	}
	cwd, err := agentDir(cfg.Cwd)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cwd
	cmd.Stderr = logger.GetLogger().WriterLevel(logrus.DebugLevel)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "acp: agent stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "acp: agent stdout")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "acp: start %s", cfg.Command[0])
	}
	logger.WithFields(logrus.Fields{
		"command": cfg.Command[0],
		"pid":     cmd.Process.Pid,
	}).Info("acp-agent-started")

	c := newACPClient(stdin, stdout, cwd, cfg.Timeout)
	c.cmd = cmd
	c.stdin = stdin
	return c, nil
}

func newACPClient(w io.Writer, r io.Reader, cwd string, timeout time.Duration) *ACPClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	c := &ACPClient{
		cwd:     cwd,
		timeout: timeout,
		turns:   make(map[acp.SessionId]*acpTurn),
	}
	c.conn = acp.NewClientSideConnection(acpCallbacks{c}, w, r)
	return c
}

func agentDir(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "acp: working directory")
		}
		return wd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "acp: resolve %s", dir)
	}
	return abs, nil
}

func (c *ACPClient) initialize(ctx context.Context) error {
	c.initOnce.Do(func() {
		_, err := c.conn.Initialize(ctx, acp.InitializeRequest{
			ProtocolVersion:    acp.ProtocolVersionNumber,
			ClientCapabilities: acp.ClientCapabilities{},
		})
		if err != nil {
			c.initErr = errors.Wrap(err, "acp: initialize")
		}
	})
	return c.initErr
}

// Chat prompts the agent with the request messages and returns the text it
// streamed back. Model, MaxTokens and Temperature are left to the agent.
func (c *ACPClient) Chat(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	if err := c.initialize(ctx); err != nil {
		return Result{}, err
	}
	sess, err := c.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        c.cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "acp: new session")
	}

	turn := &acpTurn{}
	c.mu.Lock()
	c.turns[sess.SessionId] = turn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.turns, sess.SessionId)
		c.mu.Unlock()
	}()

	resp, err := c.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sess.SessionId,
		Prompt:    promptBlocks(req.Messages),
	})
	if err != nil {
		if ctx.Err() != nil {
			cancelCtx, done := context.WithTimeout(context.Background(), time.Second)
			_ = c.conn.Cancel(cancelCtx, acp.CancelNotification{SessionId: sess.SessionId})
			done()
		}
		return Result{}, errors.Wrap(err, "acp: prompt")
	}

	turn.settle(ctx, chunkQuiet)
	text := turn.String()
	if text == "" && resp.StopReason != acp.StopReasonEndTurn {
		return Result{}, errors.Errorf("acp: prompt stopped: %s", resp.StopReason)
	}
	return Result{Text: text, Duration: time.Since(start)}, nil
}

// Close stops the agent process started by NewACPClient
func (c *ACPClient) Close() error {
	if c.cmd == nil {
		return nil
	}
	_ = c.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- c.cmd.Wait() }()
	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		_ = c.cmd.Process.Kill()
		<-exited
	}
	logger.WithField("pid", c.cmd.Process.Pid).Info("acp-agent-stopped")
	return nil
}

func (c *ACPClient) turn(id acp.SessionId) *acpTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turns[id]
}

func promptBlocks(msgs []Message) []acp.ContentBlock {
	blocks := make([]acp.ContentBlock, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		text := m.Content
		if m.Role != "" && m.Role != "user" {
			text = "[" + m.Role + "] " + text
		}
		blocks = append(blocks, acp.TextBlock(text))
	}
	return blocks
}

func (t *acpTurn) add(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.text.WriteString(text)
	t.last = time.Now()
}

func (t *acpTurn) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// settle returns once no chunk has arrived for quiet
func (t *acpTurn) settle(ctx context.Context, quiet time.Duration) {
	t.mu.Lock()
	if t.last.IsZero() {
		t.last = time.Now()
	}
	t.mu.Unlock()
	for {
		t.mu.Lock()
		wait := quiet - time.Since(t.last)
		t.mu.Unlock()
		if wait <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// acpCallbacks serves agent-initiated requests. The bot has no filesystem,
// terminal or interactive user to grant permissions, so those are refused.
type acpCallbacks struct {
	c *ACPClient
}

var errACPUnsupported = errors.New("acp: not supported by this client")

func (a acpCallbacks) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	chunk := n.Update.AgentMessageChunk
	if chunk == nil || chunk.Content.Text == nil {
		return nil
	}
	if t := a.c.turn(n.SessionId); t != nil {
		t.add(chunk.Content.Text.Text)
	}
	return nil
}

func (a acpCallbacks) RequestPermission(_ context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	logger.WithField("session_id", string(p.SessionId)).Debug("acp-permission-refused")
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}, nil
}

func (acpCallbacks) ReadTextFile(context.Context, acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	return acp.ReadTextFileResponse{}, errACPUnsupported
}

func (acpCallbacks) WriteTextFile(context.Context, acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	return acp.WriteTextFileResponse{}, errACPUnsupported
}

func (acpCallbacks) CreateTerminal(context.Context, acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	return acp.CreateTerminalResponse{}, errACPUnsupported
}

func (acpCallbacks) KillTerminalCommand(context.Context, acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	return acp.KillTerminalCommandResponse{}, errACPUnsupported
}

func (acpCallbacks) TerminalOutput(context.Context, acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	return acp.TerminalOutputResponse{}, errACPUnsupported
}

func (acpCallbacks) ReleaseTerminal(context.Context, acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	return acp.ReleaseTerminalResponse{}, errACPUnsupported
}

func (acpCallbacks) WaitForTerminalExit(context.Context, acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	return acp.WaitForTerminalExitResponse{}, errACPUnsupported
}
