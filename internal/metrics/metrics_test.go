package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/ctrmux/internal/model"
)

func TestSessionMetrics(t *testing.T) {
	c := New()
	c.SessionStarted(model.SessionKindLog)
	c.SessionStarted(model.SessionKindLog)
	c.SessionStarted(model.SessionKindExec)
	c.SessionEnded(model.SessionKindLog, model.EndReasonStopped)

	expected := `
		# HELP ctrmux_sessions_active Number of sessions currently running
		# TYPE ctrmux_sessions_active gauge
		ctrmux_sessions_active{kind="exec"} 1
		ctrmux_sessions_active{kind="log"} 1
	`
	err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "ctrmux_sessions_active")
	assert.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessionsEnded.WithLabelValues("log", "stopped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessionsStarted.WithLabelValues("log")))
}

func TestInvocationAndRelaunchMetrics(t *testing.T) {
	c := New()
	c.ObserveInvocation("inspect", "ok", 20*time.Millisecond)
	c.ObserveInvocation("inspect", "nonzero", 30*time.Millisecond)
	c.ObserveInvocation("run", "timeout", 30*time.Second)
	c.ObserveRelaunch("ok")
	c.MessageSent(model.MessageStream)

	count, err := testutil.GatherAndCount(c.Registry(), "ctrmux_invocations_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relaunches.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("stream")))
}

func TestHandlerServesExposition(t *testing.T) {
	c := New()
	c.ClientConnected()
	c.QueueOverflow()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ctrmux_stream_clients 1")
	assert.Contains(t, string(body), "ctrmux_outbound_queue_overflows_total 1")
}
