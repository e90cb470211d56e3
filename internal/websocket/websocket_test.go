package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xbeemesh/pkg/models"
	"github.com/xbeemesh/pkg/network"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) network.Snapshot {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var s network.Snapshot
	require.NoError(t, conn.ReadJSON(&s))
	return s
}

func snapshot(self models.Address) network.Snapshot {
	n := network.New(self)
	n.AddEdge(self, self+1)
	return n.Snapshot()
}

func TestLatestIsReplayed(t *testing.T) {
	h, url := startHub(t)
	h.Publish(snapshot(4))

	conn := dial(t, url)
	s := read(t, conn)
	assert.Equal(t, models.Address(4), s.Self)
	require.Len(t, s.Links, 1)
	assert.Equal(t, models.Address(5), s.Links[0].B)

	h.Publish(snapshot(6))
	assert.Equal(t, models.Address(6), read(t, conn).Self)
	assert.Equal(t, 1, h.ClientCount())
}

func TestClientLeaves(t *testing.T) {
	h, url := startHub(t)
	conn := dial(t, url)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}
