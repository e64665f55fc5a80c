package probeclient_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/stackprobe-dev/stackprobe-go/internal/drainhttp"
	"github.com/stackprobe-dev/stackprobe-go/internal/spool"
	"github.com/stackprobe-dev/stackprobe-go/probeclient"
	"github.com/stackprobe-dev/stackprobe-go/report"
)

func startEndpoint(t *testing.T, token string) (string, *spool.Spool[report.Batch]) {
	t.Helper()
	sp := spool.New[report.Batch](8)
	ts := httptest.NewServer(drainhttp.NewServer(drainhttp.Config{Spool: sp, Token: token}).Handler())
	t.Cleanup(ts.Close)
	return ts.URL, sp
}

func TestDrain(t *testing.T) {
	url, sp := startEndpoint(t, "")
	want := report.Batch{
		ID:    uuid.New(),
		Start: time.Unix(0, 10),
		End:   time.Unix(0, 20),
		Stacks: []report.Stack{
			{Thread: 3, Fingerprint: 99, Count: 5, Frames: []report.Frame{{Class: "compute.Loop", Line: 7}}},
		},
	}
	sp.Push(want)

	c, err := probeclient.NewClient(url)
	require.NoError(t, err)

	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, []report.Batch{want}, res.Batches)

	res, err = c.Drain(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Batches)
}

func TestDrainWithToken(t *testing.T) {
	url, sp := startEndpoint(t, "hunter2")
	sp.Push(report.Batch{ID: uuid.New(), Start: time.Unix(0, 1), End: time.Unix(0, 2)})

	unauthenticated, err := probeclient.NewClient(url)
	require.NoError(t, err)
	_, err = unauthenticated.Drain(context.Background())
	require.ErrorIs(t, err, probeclient.ErrUnauthorized)

	c, err := probeclient.NewClient(url, probeclient.WithToken("hunter2"))
	require.NoError(t, err)
	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
}

func TestTokenFromEnv(t *testing.T) {
	url, sp := startEndpoint(t, "from-env")
	sp.Push(report.Batch{ID: uuid.New(), Start: time.Unix(0, 1), End: time.Unix(0, 2)})

	t.Setenv(probeclient.ENV_TOKEN, "from-env")
	c, err := probeclient.NewClient(url, probeclient.WithTokenFromEnv{})
	require.NoError(t, err)
	res, err := c.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
}

func TestBadBaseURL(t *testing.T) {
	_, err := probeclient.NewClient("ftp://example.com")
	require.Error(t, err)
}
