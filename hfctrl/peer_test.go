package hfctrl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/dosgo/goMtdGate/api"
	"github.com/dosgo/goMtdGate/comm/mapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerClientPushes(t *testing.T) {
	got := make(chan api.MappingMessage, 4)
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var msg api.MappingMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got <- msg
	}
	peerA := httptest.NewServer(http.HandlerFunc(handler))
	defer peerA.Close()
	peerB := httptest.NewServer(http.HandlerFunc(handler))
	defer peerB.Close()

	p := NewPeerClient([]string{peerA.URL + api.MappingPath, peerB.URL + api.MappingPath}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	added := mapping.Table{netip.MustParseAddr("192.168.1.7"): hostA}
	revoked := mapping.Table{netip.MustParseAddr("192.168.1.3"): hostA}
	p.Push(added, revoked)

	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			assert.Equal(t, added.Strings(), msg.HFAdded)
			assert.Equal(t, revoked.Strings(), msg.HFRevoked)
			assert.Nil(t, msg.LF)
		case <-time.After(5 * time.Second):
			t.Fatal("peer not reached")
		}
	}
}

func TestPeerClientSurvivesDeadPeer(t *testing.T) {
	got := make(chan struct{}, 1)
	alive := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		got <- struct{}{}
	}))
	defer alive.Close()
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()

	p := NewPeerClient([]string{dead.URL, alive.URL}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	p.Push(mapping.Table{}, nil)
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("live peer not reached")
	}
}

func TestPeerClientBacklogFull(t *testing.T) {
	p := NewPeerClient([]string{"http://127.0.0.1:1"}, time.Second)
	for i := 0; i < peerBacklog+5; i++ {
		p.Push(mapping.Table{}, nil)
	}
	require.Len(t, p.queue, peerBacklog)
}
