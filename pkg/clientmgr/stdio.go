package clientmgr

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/errclass"
)

// quietEnv suppresses banner and log noise on subprocess output streams.
// Many stdio servers print non-protocol text before the handshake, which
// would otherwise corrupt the first framed read. Explicit per-server env
// always wins over these.
var quietEnv = map[string]string{
	"NO_COLOR":         "1",
	"TERM":             "dumb",
	"NODE_NO_WARNINGS": "1",
	"PYTHONWARNINGS":   "ignore",
}

// connectStdio spawns the subprocess and completes the MCP handshake.
// Command-not-found fails immediately with no retry. A handshake that fails
// to parse as protocol framing, or times out, is treated as an expected
// noisy-startup condition: the channel is recreated and retried up to a
// small fixed bound.
func (m *Manager) connectStdio(ctx context.Context, name string, cfg config.ServerConfig) (*mcp.ClientSession, error) {
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, &errclass.ConnectionError{Server: name, Stage: "spawn", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt < m.opts.HandshakeRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, &errclass.ConnectionError{Server: name, Stage: "handshake", Err: ctx.Err()}
		default:
		}

		transport := &mcp.CommandTransport{Command: m.buildCommand(cfg)}
		client := mcp.NewClient(newImplementation(m.opts), nil)

		handshakeCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
		session, err := client.Connect(handshakeCtx, transport, nil)
		cancel()
		if err == nil {
			return session, nil
		}
		lastErr = err
		if !retryableHandshake(err) {
			break
		}
		m.opts.Logger.Debug("noisy startup, recreating channel",
			"server", name, "attempt", attempt+1, "error", err)
	}
	return nil, &errclass.ConnectionError{Server: name, Stage: "handshake", Err: lastErr}
}

func (m *Manager) buildCommand(cfg config.ServerConfig) *exec.Cmd {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	env := os.Environ()
	for k, v := range quietEnv {
		if _, overridden := cfg.Env[k]; !overridden {
			env = append(env, k+"="+v)
		}
	}
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	return cmd
}

// retryableHandshake reports whether a handshake failure looks like startup
// noise or a transient timeout rather than a permanent error.
func retryableHandshake(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"invalid character",
		"unexpected end of json",
		"failed to unmarshal",
		"invalid message",
		"unexpected eof",
		"broken pipe",
		"connection closed",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
