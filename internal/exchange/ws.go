package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/quantfabric/tradecore/internal/observability"
)

const (
	// Exchanges throttle control frames; pace SUBSCRIBE requests accordingly.
	controlInterval   = 250 * time.Millisecond
	connectTimeout    = 10 * time.Second
	controlWriteLimit = 5 * time.Second
)

// streamConn owns one market-data websocket. It reconnects with exponential
// backoff and replays the active subscription set after every reconnect, so
// callers subscribe once and forget.
type streamConn struct {
	url    string
	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex
	msgID  atomic.Uint64

	streams map[string]struct{}
	subsMu  sync.Mutex

	handler func([]byte)

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	controlMu   sync.Mutex
	lastControl time.Time
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type controlResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *streamError     `json:"error,omitempty"`
}

type streamError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func newStreamConn(parent context.Context, url string, handler func([]byte)) *streamConn {
	ctx, cancel := context.WithCancel(parent)
	return &streamConn{
		url:     url,
		ctx:     ctx,
		cancel:  cancel,
		streams: make(map[string]struct{}),
		handler: handler,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// start spins up the reconnect loop and waits for the first connection.
func (c *streamConn) start() error {
	go c.run()

	select {
	case <-c.ready:
		return nil
	case <-time.After(connectTimeout):
		c.cancel()
		return errors.New("timeout waiting for websocket connection")
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// stop tears the connection down and waits for the read loop to exit, so no
// handler invocation is in flight when it returns.
func (c *streamConn) stop() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "shutdown")
		c.conn = nil
	}
	c.connMu.Unlock()
	<-c.done
}

// subscribe registers streams and sends the delta to the exchange.
func (c *streamConn) subscribe(streams []string) error {
	c.subsMu.Lock()
	delta := make([]string, 0, len(streams))
	for _, stream := range streams {
		if _, ok := c.streams[stream]; !ok {
			c.streams[stream] = struct{}{}
			delta = append(delta, stream)
		}
	}
	c.subsMu.Unlock()
	if len(delta) == 0 {
		return nil
	}
	return c.sendControl("SUBSCRIBE", delta)
}

func (c *streamConn) run() {
	defer close(c.done)
	policy := backoff.NewExponentialBackOff()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.Dial(c.ctx, c.url, nil)
		if err != nil {
			observability.Log().Warn("websocket dial failed",
				observability.F("url", c.url),
				observability.F("error", err.Error()))
			if !c.sleep(policy.NextBackOff()) {
				return
			}
			continue
		}
		conn.SetReadLimit(1 << 20)

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		c.readyOnce.Do(func() { close(c.ready) })
		policy.Reset()

		if err := c.resubscribe(); err != nil {
			observability.Log().Error("resubscribe after reconnect failed",
				observability.F("error", err.Error()))
		}

		if err := c.readLoop(conn); errors.Is(err, context.Canceled) {
			return
		}

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()

		if !c.sleep(policy.NextBackOff()) {
			return
		}
	}
}

func (c *streamConn) sleep(d time.Duration) bool {
	select {
	case <-c.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (c *streamConn) resubscribe() error {
	c.subsMu.Lock()
	streams := make([]string, 0, len(c.streams))
	for stream := range c.streams {
		streams = append(streams, stream)
	}
	c.subsMu.Unlock()
	if len(streams) == 0 {
		return nil
	}
	return c.sendControl("SUBSCRIBE", streams)
}

func (c *streamConn) sendControl(method string, streams []string) error {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	if !c.lastControl.IsZero() {
		if wait := time.Until(c.lastControl.Add(controlInterval)); wait > 0 {
			if !c.sleep(wait) {
				return c.ctx.Err()
			}
		}
	}

	payload, err := json.Marshal(controlRequest{Method: method, Params: streams, ID: c.msgID.Add(1)})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, controlWriteLimit)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
		return err
	}
	c.lastControl = time.Now()
	return nil
}

func (c *streamConn) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		// Control acks carry an id; market frames do not.
		var resp controlResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				observability.Log().Error("stream control rejected",
					observability.F("code", resp.Error.Code),
					observability.F("msg", resp.Error.Msg))
			}
			continue
		}

		c.handler(data)
	}
}
