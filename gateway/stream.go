package gateway

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codecell/gateway/limiter"
	"github.com/codecell/gateway/runner"
	"github.com/codecell/gateway/sse"
)

// releaseTimeout bounds the lock release store call during cleanup; the
// request context may already be dead by then.
const releaseTimeout = 5 * time.Second

// handleExecute admits the request and, if admitted, runs the stream bridge
// until the execution terminates.
func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	identity, req, ok := g.admit(w, r)
	if !ok {
		return
	}

	bridge := &streamBridge{
		log:      g.logger.Named("stream_bridge").With("Identity", identity),
		lock:     g.lock,
		identity: identity,
	}
	defer bridge.cleanup()

	g.logger.Infow("starting execution", "Identity", identity, "TimeoutSeconds", req.TimeoutSeconds)
	stream, err := g.runnerClient.Run(r.Context(), runner.Request{
		RequestID:      uuid.NewString(),
		SourceCode:     req.SourceCode,
		TimeoutSeconds: req.TimeoutSeconds,
		Stdin:          req.Stdin,
		Language:       g.language,
	})
	if err != nil {
		g.logger.Errorw("opening runner stream failed", "Error", err, "Identity", identity)
		g.writeJSON(w, http.StatusBadGateway, errorBody{Message: "Upstream execution failure."})
		return
	}
	bridge.stream = stream

	bridge.run(w, r)
}

// streamBridge forwards one runner stream onto one event stream. Every exit
// path, including a client disconnect mid-stream, converges on cleanup, which
// releases the execution lock exactly once.
type streamBridge struct {
	log      *zap.SugaredLogger
	lock     *limiter.ExecutionLock
	identity string
	stream   *runner.Stream

	cleanupOnce sync.Once
}

func (b *streamBridge) run(w http.ResponseWriter, r *http.Request) {
	out, err := sse.NewWriter(w)
	if err != nil {
		b.log.Errorw("response writer cannot stream", "Error", err)
		return
	}

	for {
		msg, err := b.stream.Recv()
		if err == io.EOF {
			b.log.Info("runner stream completed")
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				// client went away; the RPC was cancelled through the request
				// context, nothing left to tell anyone
				b.log.Infow("client disconnected, cancelled runner stream")
				return
			}
			// full detail stays in the logs; the client gets a generic event
			b.log.Errorw("runner stream failed", "Error", err)
			if werr := out.WriteEvent("error", errorBody{Message: "Server-side error."}); werr != nil {
				b.log.Debugf("error writing error event: %s", werr)
			}
			return
		}

		if err := out.WriteEvent("message", msg); err != nil {
			b.log.Debugf("error forwarding message, closing stream: %s", err)
			return
		}
	}
}

// cleanup closes the runner stream and releases the execution lock. Release
// failures are logged and dropped; the lock TTL covers that case.
func (b *streamBridge) cleanup() {
	b.cleanupOnce.Do(func() {
		if b.stream != nil {
			b.stream.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := b.lock.Release(ctx, b.identity); err != nil {
			b.log.Errorw("releasing execution lock failed, relying on TTL", "Error", err)
		}
	})
}
