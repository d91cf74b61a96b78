package process_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/cpadapter/pkg/cpadapter/model"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/process"
	"github.com/randalmurphal/cpadapter/pkg/cpadapter/result"
)

func TestResultService_ProcessThenPull(t *testing.T) {
	ctx := context.Background()
	svc := process.NewResultService(result.New[model.ProcessData](), time.Second)
	env := envelope(model.ProcessData{AssetID: "A", EndpointDataReference: &model.EndpointDataReference{ID: "edr"}})

	require.NoError(t, svc.Process(ctx, env))

	got, ok, err := svc.Pull(ctx, env.TraceID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "edr", got.EndpointDataReference.ID)

	_, ok, err = svc.PullTimeout(ctx, env.TraceID, 0)
	require.NoError(t, err)
	assert.False(t, ok, "a result is consumed by the first pull")
}

func TestResultService_PullWaitsForResult(t *testing.T) {
	ctx := context.Background()
	svc := process.NewResultService(result.New[model.ProcessData](), 0)
	assert.Equal(t, process.DefaultPullTimeout, svc.DefaultTimeout())
	env := envelope(model.ProcessData{AssetID: "A"})

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = svc.Process(ctx, env)
	}()

	got, ok, err := svc.PullTimeout(ctx, env.TraceID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", got.AssetID)
}

func TestResultService_Timeout(t *testing.T) {
	svc := process.NewResultService(result.New[model.ProcessData](), 10*time.Millisecond)

	_, ok, err := svc.Pull(context.Background(), "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResultService_CancelledPull(t *testing.T) {
	svc := process.NewResultService(result.New[model.ProcessData](), time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := svc.Pull(ctx, "t1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResultService_DuplicateResultIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := process.NewResultService(result.New[model.ProcessData](), time.Second, process.WithLogger(logger))
	env := envelope(model.ProcessData{AssetID: "A"})

	require.NoError(t, svc.Process(context.Background(), env))
	require.NoError(t, svc.Process(context.Background(), env))

	assert.Contains(t, buf.String(), "duplicate result dropped")
	assert.Contains(t, buf.String(), env.TraceID)
}

func TestErrorResultHandler(t *testing.T) {
	ctx := context.Background()
	svc := process.NewResultService(result.New[model.ProcessData](), time.Second)
	h := process.NewErrorResultHandler(svc)

	env := envelope(model.ProcessData{AssetID: "A"})
	env.LastError = "initiate transfer for A: no data plane"
	require.NoError(t, h.Process(ctx, env))

	got, ok, err := svc.Pull(ctx, env.TraceID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, http.StatusInternalServerError, got.ErrorStatus)
	assert.Equal(t, "message processing failed: initiate transfer for A: no data plane", got.ErrorMessage)
	assert.Equal(t, "A", got.AssetID)
}
