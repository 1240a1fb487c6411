package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestEnsureRegisteredIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		EnsureRegistered()
		EnsureRegistered()
	})
}

func TestMetricsHandler(t *testing.T) {
	RecordParserFallback("metrics-handler")
	RecordSubmit("metrics-handler", "poll_timeout", 2*time.Second)
	RecordQueueEnqueue("metrics-handler", 3)
	RecordSessionCreated("metrics-handler", true)
	RecordSessionDeleteFailure("metrics-handler")

	body := scrape(t)

	assert.Contains(t, body, `threadline_parser_fallbacks_total{agent="metrics-handler"} 1`)
	assert.Contains(t, body, `threadline_submit_total{agent="metrics-handler",outcome="poll_timeout"} 1`)
	assert.Contains(t, body, `threadline_queue_size{queue="metrics-handler"} 3`)
	assert.Contains(t, body, `threadline_sessions_created_total{backend="metrics-handler",kind="persistent"} 1`)
	assert.Contains(t, body, `threadline_session_delete_failures_total{backend="metrics-handler"} 1`)
}

func TestGauges(t *testing.T) {
	SetOrphanSessions(4)
	SetActiveLeases(2)

	body := scrape(t)
	assert.Contains(t, body, "threadline_orphan_sessions 4")
	assert.Contains(t, body, "threadline_active_leases 2")

	SetOrphanSessions(0)
	SetActiveLeases(0)
}
