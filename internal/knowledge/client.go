package knowledge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/call-voice-lab/internal/logging"
)

var ErrNotConnected = errors.New("knowledge client not connected")

// Client retrieves passages from a knowledge MCP server reached over a
// websocket or a spawned stdio process.
type Client struct {
	client *sdk.Client
	topK   int

	mu              sync.Mutex
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
}

func NewClient(name, version string, topK int) *Client {
	if topK <= 0 {
		topK = 3
	}
	return &Client{
		client: sdk.NewClient(&sdk.Implementation{Name: name, Version: version}, nil),
		topK:   topK,
	}
}

// ConnectWebSocket dials rawurl, accepting http(s) schemes as ws(s).
func (c *Client) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial knowledge server: %w", err)
	}
	if err := c.connect(ctx, WebSocketTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Infow("knowledge client connected", "url", u.Redacted())
	return nil
}

// ConnectCommand starts a local knowledge server and talks to it over stdio.
func (c *Client) ConnectCommand(ctx context.Context, name, command string, args []string, env map[string]string) error {
	if command == "" {
		return errors.New("command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	transport := &sdk.CommandTransport{Command: cmd, TerminateDuration: 2 * time.Second}
	if err := c.connect(ctx, transport); err != nil {
		_ = stderr.Close()
		return err
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debugw("knowledge server stderr", "server", name, "line", scanner.Text())
		}
	}()
	logging.Infow("knowledge command server started", "server", name, "command", command, "args", strings.Join(args, " "))
	return nil
}

func (c *Client) connect(ctx context.Context, transport sdk.Transport) error {
	sess, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return err
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
	}
	c.session = sess
	c.keepaliveCancel = cancel
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				if err := sess.Ping(kaCtx, nil); err != nil && kaCtx.Err() == nil {
					logging.Warnw("knowledge server ping failed", "err", err)
				}
			}
		}
	}()
	return nil
}

// Retrieve calls the search tool with the configured top-k. An empty result
// is not an error.
func (c *Client) Retrieve(ctx context.Context, query string) ([]string, error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil, ErrNotConnected
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{
		Name:      SearchTool,
		Arguments: map[string]any{"query": query, "top_k": c.topK},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", SearchTool, err)
	}
	passages := make([]string, 0, len(res.Content))
	for _, content := range res.Content {
		if tc, ok := content.(*sdk.TextContent); ok && tc.Text != "" {
			passages = append(passages, tc.Text)
		}
	}
	if res.IsError {
		return nil, fmt.Errorf("%s: %s", SearchTool, strings.Join(passages, "; "))
	}
	return passages, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			errs = append(errs, err)
		}
		c.session = nil
	}
	return errors.Join(errs...)
}
