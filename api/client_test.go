package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/dosgo/goMtdGate/comm/mapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutMappingRoundTrip(t *testing.T) {
	r := &recordingReceiver{}
	srv := httptest.NewServer(NewServer(":0", r, false).Handler())
	defer srv.Close()

	msg := &MappingMessage{
		HFAdded: mapping.Table{netip.MustParseAddr("192.168.1.7"): netip.MustParseAddr("10.0.0.5")}.Strings(),
	}
	require.NoError(t, PutMapping(context.Background(), srv.Client(), srv.URL+MappingPath, msg))
	assert.Equal(t, []string{"add"}, r.calls)
}

func TestPutMappingStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := PutMapping(context.Background(), srv.Client(), srv.URL, &MappingMessage{})
	assert.ErrorContains(t, err, "unexpected status")
}
