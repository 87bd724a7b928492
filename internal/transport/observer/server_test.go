package observer

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"procarray.ai/internal/observerproto"
	"procarray.ai/internal/sim/controller"
	"procarray.ai/internal/sim/engine"
)

type recordingSink struct {
	mu   sync.Mutex
	cmds []observerproto.CommandMsg
}

func (r *recordingSink) Submit(cmd observerproto.CommandMsg) error {
	if cmd.Controller == "nope" {
		return errors.New("unknown controller")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, cmd)
	return nil
}

func newTestServer(t *testing.T, sink CommandSink) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	info := func() observerproto.BootstrapResponse {
		return observerproto.BootstrapResponse{RunID: "run-1", Tick: 7, Controllers: []string{"pa-1", "pa-2"}}
	}
	srv := httptest.NewServer(NewServer(hub, info, sink, nil).Handler())
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, sub observerproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.WriteJSON(sub))
	return conn
}

func subscribe(ids ...string) observerproto.SubscribeMsg {
	return observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version, Controllers: ids}
}

func readTick(t *testing.T, conn *websocket.Conn) observerproto.TickMsg {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg observerproto.TickMsg
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func statuses() []controller.Status {
	return []controller.Status{
		{ID: "pa-1", Formed: true, Run: engine.StateRunning},
		{ID: "pa-2", Formed: true, Run: engine.StateIdle},
	}
}

func TestBootstrap(t *testing.T) {
	_, srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/observer/bootstrap")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got observerproto.BootstrapResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, observerproto.Version, got.ProtocolVersion)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, []string{"pa-1", "pa-2"}, got.Controllers)
}

func TestStreamsTicks(t *testing.T) {
	hub, srv := newTestServer(t, nil)
	all := dial(t, srv, subscribe())
	one := dial(t, srv, subscribe("pa-2"))
	require.Eventually(t, func() bool { return hub.Sessions() == 2 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish("run-1", 3, statuses())

	msg := readTick(t, all)
	assert.Equal(t, observerproto.TypeTick, msg.Type)
	assert.Equal(t, uint64(3), msg.Tick)
	assert.Len(t, msg.Controllers, 2)

	msg = readTick(t, one)
	require.Len(t, msg.Controllers, 1)
	assert.Equal(t, "pa-2", msg.Controllers[0].ID)
}

func TestSubscribeEvery(t *testing.T) {
	hub, srv := newTestServer(t, nil)
	sub := subscribe()
	sub.Every = 5
	conn := dial(t, srv, sub)
	require.Eventually(t, func() bool { return hub.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	for tick := uint64(1); tick <= 5; tick++ {
		hub.Publish("run-1", tick, statuses())
	}
	assert.Equal(t, uint64(5), readTick(t, conn).Tick)
}

func TestRejectsMissingSubscribe(t *testing.T) {
	hub, srv := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "HELLO"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, 0, hub.Sessions())
}

func TestCommandsAreAcked(t *testing.T) {
	sink := &recordingSink{}
	hub, srv := newTestServer(t, sink)
	conn := dial(t, srv, subscribe())
	require.Eventually(t, func() bool { return hub.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	send := func(id, ctrl string) observerproto.AckMsg {
		require.NoError(t, conn.WriteJSON(observerproto.CommandMsg{
			Type:            observerproto.TypeCommand,
			ProtocolVersion: observerproto.Version,
			ID:              id,
			Controller:      ctrl,
			Action:          "toggle_distinct",
		}))
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var ack observerproto.AckMsg
		require.NoError(t, conn.ReadJSON(&ack))
		return ack
	}

	ack := send("c1", "pa-1")
	assert.True(t, ack.OK)
	assert.Equal(t, "c1", ack.ID)

	ack = send("c2", "nope")
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, "unknown controller")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.cmds, 1)
	assert.Equal(t, "pa-1", sink.cmds[0].Controller)
}

func TestCommandsRefusedWithoutSink(t *testing.T) {
	hub, srv := newTestServer(t, nil)
	conn := dial(t, srv, subscribe())
	require.Eventually(t, func() bool { return hub.Sessions() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(observerproto.CommandMsg{Type: observerproto.TypeCommand, ProtocolVersion: observerproto.Version, Controller: "pa-1", Action: "form"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack observerproto.AckMsg
	require.NoError(t, conn.ReadJSON(&ack))
	assert.False(t, ack.OK)
}

func TestLoopbackCheck(t *testing.T) {
	assert.True(t, isLoopbackRemote("127.0.0.1:5000"))
	assert.True(t, isLoopbackRemote("[::1]:5000"))
	assert.False(t, isLoopbackRemote("10.0.0.2:5000"))
	assert.False(t, isLoopbackRemote("garbage"))
}
