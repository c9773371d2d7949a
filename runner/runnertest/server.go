// Package runnertest provides an in-process fake runner for tests. It speaks
// the same stream protocol as the real runner endpoint so client and gateway
// tests can exercise full runs without external infrastructure.
package runnertest

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/codecell/gateway/runner"
)

// Server accepts run streams and delegates the run body to Handle. Returning
// nil from Handle ends the stream normally; returning an error closes it with
// an error status, which clients observe as a stream failure.
type Server struct {
	Log *zap.SugaredLogger

	Handle func(ctx context.Context, req runner.Request, send func(runner.Message) error) error
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.Log.Debugf("error accepting runner conn: %s", err)
		return
	}

	var req runner.Request
	if err := wsjson.Read(r.Context(), wsConn, &req); err != nil {
		s.Log.Debugf("error reading run request: %s", err)
		wsConn.Close(websocket.StatusInternalError, "bad run request")
		return
	}
	s.Log.Debugw("got run request", "RequestID", req.RequestID)

	// The run stream is server-to-client from here on; CloseRead also cancels
	// the context when the client goes away.
	ctx := wsConn.CloseRead(r.Context())

	send := func(msg runner.Message) error {
		return wsjson.Write(ctx, wsConn, msg)
	}
	if err := s.Handle(ctx, req, send); err != nil {
		s.Log.Debugf("run handler failed: %s", err)
		wsConn.Close(websocket.StatusInternalError, "run failed")
		return
	}
	wsConn.Close(websocket.StatusNormalClosure, "")
}

// EchoRun is a Handle implementation that emits one stdout message per stdin
// line followed by a zero exit code. Useful as a default in tests.
func EchoRun(ctx context.Context, req runner.Request, send func(runner.Message) error) error {
	for _, line := range req.Stdin {
		err := send(runner.Message{RequestID: req.RequestID, Level: runner.LevelStdout, Message: line})
		if err != nil {
			return err
		}
	}
	code := 0
	return send(runner.Message{RequestID: req.RequestID, Level: runner.LevelExitCode, ExitCode: &code})
}
