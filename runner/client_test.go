package runner_test

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codecell/gateway/runner"
	"github.com/codecell/gateway/runner/runnertest"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func newClient(t *testing.T, handle func(ctx context.Context, req runner.Request, send func(runner.Message) error) error) *runner.Client {
	t.Helper()
	srv := httptest.NewServer(&runnertest.Server{Log: log.Named("fake_runner"), Handle: handle})
	t.Cleanup(srv.Close)
	return &runner.Client{
		HTTPClient: srv.Client(),
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		Logger:     log,
	}
}

func TestRunStreamsMessagesThenEOF(t *testing.T) {
	client := newClient(t, runnertest.EchoRun)

	stream, err := client.Run(context.Background(), runner.Request{
		RequestID:      "r1",
		SourceCode:     "print(1)",
		TimeoutSeconds: 10,
		Stdin:          []string{"a", "b"},
		Language:       "dotnet",
	})
	require.NoError(t, err)
	defer stream.Close()

	msg, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.RequestID)
	assert.Equal(t, runner.LevelStdout, msg.Level)
	assert.Equal(t, "a", msg.Message)

	msg, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "b", msg.Message)

	msg, err = stream.Recv()
	require.NoError(t, err)
	require.Equal(t, runner.LevelExitCode, msg.Level)
	require.NotNil(t, msg.ExitCode)
	assert.Equal(t, 0, *msg.ExitCode)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRunStatisticsMessages(t *testing.T) {
	client := newClient(t, func(ctx context.Context, req runner.Request, send func(runner.Message) error) error {
		return send(runner.Message{
			RequestID:  req.RequestID,
			Level:      runner.LevelStatistics,
			Statistics: &runner.Statistics{CPUPercent: 42.5, MemoryUsed: 1 << 20},
		})
	})

	stream, err := client.Run(context.Background(), runner.Request{RequestID: "r1", SourceCode: "x", TimeoutSeconds: 10})
	require.NoError(t, err)
	defer stream.Close()

	msg, err := stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, msg.Statistics)
	assert.Equal(t, 42.5, msg.Statistics.CPUPercent)
	assert.Equal(t, int64(1<<20), msg.Statistics.MemoryUsed)
	assert.Nil(t, msg.ExitCode)
}

func TestRunStreamError(t *testing.T) {
	client := newClient(t, func(ctx context.Context, req runner.Request, send func(runner.Message) error) error {
		return errors.New("runner blew up")
	})

	stream, err := client.Run(context.Background(), runner.Request{RequestID: "r1", SourceCode: "x", TimeoutSeconds: 10})
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestRunCancellation(t *testing.T) {
	started := make(chan struct{})
	client := newClient(t, func(ctx context.Context, req runner.Request, send func(runner.Message) error) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := client.Run(ctx, runner.Request{RequestID: "r1", SourceCode: "x", TimeoutSeconds: 10})
	require.NoError(t, err)
	defer stream.Close()

	<-started
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := stream.Recv()
		assert.Error(t, err)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not observe cancellation")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client := newClient(t, runnertest.EchoRun)

	stream, err := client.Run(context.Background(), runner.Request{RequestID: "r1", SourceCode: "x", TimeoutSeconds: 10})
	require.NoError(t, err)

	stream.Close()
	stream.Close()
}
