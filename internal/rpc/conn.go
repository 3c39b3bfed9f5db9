package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"pkt.systems/chainspace/api"
)

// conn is one server-side WebSocket. A single reader goroutine decodes
// frames and starts each request in arrival order; the remainder of every
// request runs on its own goroutine and all writes go through writeMu.
type conn struct {
	ws     *websocket.Conn
	logger pslog.Logger
	opts   ServerOptions

	writeMu sync.Mutex

	once     sync.Once
	done     chan struct{}
	inflight sync.WaitGroup
}

func newConn(ws *websocket.Conn, logger pslog.Logger, opts ServerOptions) *conn {
	return &conn{ws: ws, logger: logger, opts: opts, done: make(chan struct{})}
}

func (c *conn) serve(ctx context.Context, accept AcceptFunc) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.close()

	sess, err := accept(ctx, c)
	if err != nil {
		c.logger.Warn("rpc.accept.failed", "error", err)
		c.writeClose(websocket.CloseTryAgainLater, "session unavailable")
		return
	}
	c.logger.Debug("rpc.conn.open")

	c.ws.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
	})
	go c.keepalive()

	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("rpc.conn.read_failed", "error", err)
			}
			break
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.opts.PingInterval))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		var req api.Request
		if err := json.Unmarshal(data, &req); err != nil || req.Method == "" {
			c.logger.Debug("rpc.frame.invalid", "error", err, "bytes", len(data))
			continue
		}
		finish := sess.Start(ctx, req.Method, req.Params)
		c.inflight.Add(1)
		go c.dispatch(req, finish)
	}

	cancel()
	if err := sess.Close(); err != nil {
		c.logger.Debug("rpc.session.close_failed", "error", err)
	}
	c.inflight.Wait()
	c.logger.Debug("rpc.conn.closed")
}

func (c *conn) dispatch(req api.Request, finish func() (any, error)) {
	defer c.inflight.Done()
	resp := api.Response{ID: req.ID}
	result, err := finish()
	if err == nil {
		raw, merr := json.Marshal(result)
		if merr != nil {
			err = merr
		} else {
			resp.Result = raw
		}
	}
	if err != nil {
		resp.Error = toAPIError(err)
	}
	if err := c.write(resp); err != nil && !errors.Is(err, ErrConnClosed) {
		c.logger.Debug("rpc.response.write_failed", "method", req.Method, "id", req.ID, "error", err)
	}
}

// Notify implements Notifier.
func (c *conn) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.write(api.Notification{Method: method, Params: raw})
}

func (c *conn) write(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		go c.close()
		return err
	}
	return nil
}

func (c *conn) keepalive() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("rpc.conn.ping_failed", "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *conn) writeClose(code int, text string) {
	deadline := time.Now().Add(c.opts.WriteTimeout)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// shutdown asks the peer to go away; the read loop ends once the socket
// closes.
func (c *conn) shutdown() {
	c.writeClose(websocket.CloseGoingAway, "server shutting down")
	c.close()
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
