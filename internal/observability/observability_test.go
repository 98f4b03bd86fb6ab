package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPusherStatsSnapshot(t *testing.T) {
	s := NewPusherStats()
	s.Connected(false)
	s.Connected(true)
	s.FrameSent("transcript")
	s.Dropped("transcripts")
	s.Dropped("transcripts")
	s.Chunk("queued")
	s.Chunk("retry")
	s.TaskDelta(1)
	s.TaskDelta(1)
	s.TaskDelta(-2)

	snap := s.Snapshot()
	assert.Equal(t, int64(2), snap.Connects)
	assert.Equal(t, int64(1), snap.Reconnects)
	assert.Equal(t, int64(2), snap.Drops["transcripts"])
	assert.Equal(t, int64(1), snap.ChunksRetried)
	assert.Zero(t, snap.InFlight)
	assert.Equal(t, int64(2), snap.MaxInFlight)

	snap.Drops["transcripts"] = 99
	assert.Equal(t, int64(2), s.Snapshot().Drops["transcripts"])
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.SessionStarted("listen")
	m.SessionEnded("listen", "1000", 3*time.Second)
	m.RecordQueueDrop("transcripts")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `listen_queue_drops_total{queue="transcripts"} 1`)
	assert.Contains(t, rec.Body.String(), `listen_sessions_total{close_code="1000",kind="listen"} 1`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordVADChunk(true)
		m.RecordChunkUpload("sent")
		m.SetTasksInFlight(3)
	})
}

func TestSpanHelpers(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	require.NotNil(t, ctx)
	assert.NotPanics(t, func() { EndSpan(span, errors.New("boom")) })
}
