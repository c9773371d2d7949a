package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 1 << 20

// Client opens run streams against a runner endpoint.
type Client struct {
	HTTPClient *http.Client
	URL        string
	Logger     *zap.SugaredLogger
}

// Run starts one execution. The returned Stream yields the runner's messages;
// cancelling ctx cancels the RPC.
func (c *Client) Run(ctx context.Context, req Request) (*Stream, error) {
	c.Logger.Debugw("dialing runner", "URL", c.URL, "RequestID", req.RequestID)
	wsConn, _, err := websocket.Dial(ctx, c.URL, &websocket.DialOptions{
		HTTPClient:      c.HTTPClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing runner conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		log:    c.Logger.Named("run_stream"),
		conn:   wsConn,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := wsjson.Write(ctx, wsConn, req); err != nil {
		s.Close()
		return nil, fmt.Errorf("writing run request: %w", err)
	}
	return s, nil
}

// Stream is one in-flight run. It has a single reader; Recv must not be
// called concurrently.
type Stream struct {
	log    *zap.SugaredLogger
	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	closeConnOnce sync.Once
}

// Recv blocks until the next runner message arrives. It returns io.EOF when
// the runner closes the stream normally, and the underlying error otherwise.
func (s *Stream) Recv() (*Message, error) {
	var msg Message
	err := wsjson.Read(s.ctx, s.conn, &msg)
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.log.Debug("runner closed stream")
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Close cancels the RPC and closes the connection. It is idempotent and safe
// to call while Recv is blocked.
func (s *Stream) Close() {
	s.cancel()
	s.closeConnOnce.Do(func() {
		if err := s.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			s.log.Debugf("error closing runner conn: %s", err)
		}
	})
}
