package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"pkt.systems/chainspace/api"
	"pkt.systems/chainspace/internal/loggingutil"
)

// NotificationHandler receives the notifications pushed to a Client. It runs
// on the read goroutine and must not block.
type NotificationHandler func(method string, params json.RawMessage)

// ClientOptions configures Dial.
type ClientOptions struct {
	// OnNotification is optional.
	OnNotification NotificationHandler
	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
	Logger           pslog.Logger
}

// Client is a connection to a chainspace daemon.
type Client struct {
	ws       *websocket.Conn
	onNotify NotificationHandler
	logger   pslog.Logger

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan api.Response
	err     error
	done    chan struct{}
}

// Dial connects to target. target is either a ws:// or http:// URL, a
// host:port, or a unix socket path (anything containing a slash without a
// scheme).
func Dial(ctx context.Context, target string, opts ClientOptions) (*Client, error) {
	endpoint, dialer, err := resolveTarget(target)
	if err != nil {
		return nil, err
	}
	if opts.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = opts.HandshakeTimeout
	}
	ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", target, err)
	}
	c := &Client{
		ws:       ws,
		onNotify: opts.OnNotification,
		logger:   loggingutil.WithSubsystem(opts.Logger, "rpc.client"),
		pending:  make(map[uint64]chan api.Response),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func resolveTarget(target string) (string, *websocket.Dialer, error) {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	switch {
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
	case strings.HasPrefix(target, "http://"):
		target = "ws://" + strings.TrimPrefix(target, "http://")
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	case strings.Contains(target, "/"):
		socket := target
		dialer.Proxy = nil
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		}
		return "ws://unix" + Path, dialer, nil
	case target == "":
		return "", nil, fmt.Errorf("rpc: empty target")
	default:
		target = "ws://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", nil, fmt.Errorf("rpc: parse %q: %w", target, err)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = Path
	}
	return u.String(), dialer, nil
}

// Call sends method with params and decodes the result into result (which
// may be nil). Failed calls return *api.Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("rpc: encode %s params: %w", method, err)
		}
		raw = b
	}
	id := c.nextID.Add(1)
	ch := make(chan api.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(api.Request{ID: id, Method: method, Params: raw}); err != nil {
		c.forget(id)
		return err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return c.Err()
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("rpc: decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, if it has.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a normal closure and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) write(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	var exit error
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			exit = err
			break
		}
		var f api.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Debug("rpc.client.frame_invalid", "error", err)
			continue
		}
		switch {
		case f.IsNotification():
			if c.onNotify != nil {
				c.onNotify(f.Method, f.Params)
			}
		case f.IsResponse():
			c.mu.Lock()
			ch, ok := c.pending[*f.ID]
			delete(c.pending, *f.ID)
			c.mu.Unlock()
			if ok {
				ch <- api.Response{ID: *f.ID, Result: f.Result, Error: f.Error}
			}
		}
	}
	c.mu.Lock()
	if websocket.IsCloseError(exit, websocket.CloseNormalClosure) {
		c.err = ErrConnClosed
	} else {
		c.err = fmt.Errorf("%w: %v", ErrConnClosed, exit)
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
	close(c.done)
}
