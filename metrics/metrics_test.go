package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketsCounter(t *testing.T) {
	before := testutil.ToFloat64(Packets.WithLabelValues("inbound", VerdictDrop))
	Packets.WithLabelValues("inbound", VerdictDrop).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Packets.WithLabelValues("inbound", VerdictDrop)))
}

func TestTrackedConnectionsServed(t *testing.T) {
	require.NoError(t, RegisterTrackedConnections(func() int { return 42 }))
	require.NoError(t, RegisterTrackedConnections(func() int { return 0 }))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "goMtdGate_tracked_connections 42"))
}
