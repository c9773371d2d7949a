// Package sseclient consumes the gateway's event-stream protocol and turns it
// into application callbacks. It transparently recovers, once, from a missing
// or expired capability token.
package sseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"go.uber.org/zap"

	"github.com/codecell/gateway/sse"
)

// ExecuteRequest is the payload sent to the execute endpoint. It mirrors the
// gateway's request shape.
type ExecuteRequest struct {
	SourceCode     string   `json:"sourceCode"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	Stdin          []string `json:"stdin"`
}

// Callbacks are the lifecycle hooks of one stream.
//
// OnConnectionOpen fires exactly once, before any OnEvent. OnEvent fires once
// per complete wire block, in arrival order; receivedAt is assigned by this
// client, not taken from the server. OnError reports connection failures and,
// for malformed payload blocks, per-block failures that do not abort the
// stream. OnConnectionClose fires exactly once when the stream ends normally,
// and never after a terminal OnError. Cancelling the stream fires neither.
type Callbacks struct {
	OnConnectionOpen  func()
	OnEvent           func(event string, data json.RawMessage, receivedAt time.Time)
	OnError           func(err error)
	OnConnectionClose func()
}

// statusMessages maps expected error statuses to human-readable text for
// responses that carry no structured body the UI could use.
var statusMessages = map[int]string{
	http.StatusBadRequest:          "Your request is not valid. Please try a different request.",
	http.StatusUnauthorized:        "Authorization is required for this action.",
	http.StatusConflict:            "Another request is already running. Please wait for it to finish.",
	http.StatusUnprocessableEntity: "The execution request contains invalid data.",
	http.StatusTooManyRequests:     "You are making too many requests. Please try again a bit later.",
	http.StatusInternalServerError: "An internal server error occurred. Please report this error.",
	http.StatusBadGateway:          "Your request cannot be executed right now. If this keeps happening, please report it.",
	http.StatusGatewayTimeout:      "Our server is not responding. Please try again later.",
}

func statusError(resp *http.Response) error {
	if msg, ok := statusMessages[resp.StatusCode]; ok {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("unexpected response: %s", resp.Status)
}

// Client opens event streams against a gateway. The zero HTTPClient gets a
// cookie jar so the capability cookie survives between the token endpoint and
// the execute endpoint.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
	Logger     *zap.SugaredLogger
}

// New builds a Client with its own cookie jar.
func New(baseURL string, logger *zap.SugaredLogger) (*Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("building cookie jar: %w", err)
	}
	return &Client{
		HTTPClient: &http.Client{Jar: jar},
		BaseURL:    baseURL,
		Logger:     logger.Named("sse_client"),
	}, nil
}

// Open starts the stream and returns a cancel function. cancel is idempotent,
// safe to call from any goroutine at any point in the stream's lifetime, and
// aborts the in-flight request without triggering OnError.
func (c *Client) Open(ctx context.Context, req ExecuteRequest, cb Callbacks) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(ctx)
	go c.run(ctx, req, cb)
	return cancelCtx
}

func (c *Client) run(ctx context.Context, req ExecuteRequest, cb Callbacks) {
	resp, err := c.connect(ctx, req, cb)
	if err != nil {
		if ctx.Err() != nil {
			c.Logger.Debug("stream aborted before connecting")
			return
		}
		cb.onError(err)
		return
	}
	if resp == nil {
		// a terminal non-success response was already reported
		return
	}
	defer resp.Body.Close()

	cb.onConnectionOpen()
	c.readLoop(ctx, resp.Body, cb)
}

// connect performs the execute request, recovering once from a 401 by asking
// the token endpoint for a fresh capability. It returns a nil response after
// reporting a terminal failure through the callbacks.
func (c *Client) connect(ctx context.Context, req ExecuteRequest, cb Callbacks) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.postExecute(ctx, req)
		if err != nil {
			return nil, err
		}
		c.Logger.Debugw("got initial response", "Status", resp.StatusCode)

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			authErr := statusError(resp)
			resp.Body.Close()

			c.Logger.Debug("refreshing execution token")
			ok, err := c.refreshToken(ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				cb.onError(authErr)
				return nil, nil
			}
			continue
		}

		if resp.StatusCode/100 != 2 {
			err := statusError(resp)
			resp.Body.Close()
			cb.onError(err)
			return nil, nil
		}
		return resp, nil
	}
}

func (c *Client) postExecute(ctx context.Context, req ExecuteRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding execute request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	return c.HTTPClient.Do(httpReq)
}

// refreshToken asks the token endpoint for a capability. It reports whether
// the endpoint handed one out; the cookie jar keeps the credential itself.
func (c *Client) refreshToken(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/token", nil)
	if err != nil {
		return false, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	c.Logger.Debugw("got token endpoint response", "Status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated, nil
}

func (c *Client) readLoop(ctx context.Context, body io.Reader, cb Callbacks) {
	var dec sse.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		for _, ev := range dec.Push(buf[:n]) {
			c.dispatch(ev, cb)
		}
		if err != nil {
			// A cancelled stream fires no further callbacks, even when the
			// server side happens to close first and Read reports a clean EOF.
			if ctx.Err() != nil {
				c.Logger.Debug("stream aborted by caller")
				return
			}
			if err == io.EOF {
				cb.onConnectionClose()
				return
			}
			cb.onError(fmt.Errorf("reading stream: %w", err))
			return
		}
	}
}

// dispatch delivers one complete block. A malformed payload is reported
// without aborting the stream.
func (c *Client) dispatch(ev sse.Event, cb Callbacks) {
	data := []byte(ev.Data)
	if !json.Valid(data) {
		cb.onError(fmt.Errorf("malformed payload for event %q", ev.Name))
		return
	}
	cb.onEvent(ev.Name, json.RawMessage(data), time.Now())
}

func (cb Callbacks) onConnectionOpen() {
	if cb.OnConnectionOpen != nil {
		cb.OnConnectionOpen()
	}
}

func (cb Callbacks) onEvent(event string, data json.RawMessage, receivedAt time.Time) {
	if cb.OnEvent != nil {
		cb.OnEvent(event, data, receivedAt)
	}
}

func (cb Callbacks) onError(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

func (cb Callbacks) onConnectionClose() {
	if cb.OnConnectionClose != nil {
		cb.OnConnectionClose()
	}
}
