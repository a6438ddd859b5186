package events

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/repovault/repovault/internal/freeze"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ freeze.Sink = (*Bus)(nil)

func TestBus_PublishOrder(t *testing.T) {
	bus := NewBus()
	var got []string

	bus.Subscribe(func(_ context.Context, ev Event) { got = append(got, "first") })
	bus.Subscribe(func(_ context.Context, ev Event) { got = append(got, "second") })

	bus.Publish(context.Background(), freeze.StateChanged{Frozen: true})

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	calls := 0
	unsubscribe := bus.Subscribe(func(context.Context, Event) { calls++ })
	assert.Equal(t, 1, bus.SubscriberCount())

	bus.Publish(context.Background(), freeze.StateChanged{Frozen: true})
	unsubscribe()
	unsubscribe()
	bus.Publish(context.Background(), freeze.StateChanged{Frozen: false})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBus_Last(t *testing.T) {
	bus := NewBus()
	_, ok := bus.Last()
	assert.False(t, ok)

	var seen Event
	bus.Subscribe(func(_ context.Context, ev Event) { seen = ev })
	bus.Publish(context.Background(), freeze.StateChanged{Frozen: true})

	last, ok := bus.Last()
	require.True(t, ok)
	assert.Equal(t, seen.ID, last.ID)
	assert.NotEmpty(t, last.ID)
	assert.Equal(t, EventFreezeStateChanged, last.Type)
	assert.True(t, last.Freeze.Frozen)
	assert.False(t, last.Freeze.At.IsZero())
}

func TestBus_WithCoordinator(t *testing.T) {
	bus := NewBus()
	var frozen []bool
	bus.Subscribe(func(_ context.Context, ev Event) { frozen = append(frozen, ev.Freeze.Frozen) })

	coord := freeze.NewCoordinator(nil, freeze.Options{Sink: bus})
	ctx := context.Background()
	req := freeze.NewRequest(freeze.UserInitiated, "admin")

	_, err := coord.RequestFreeze(ctx, req)
	require.NoError(t, err)
	_, err = coord.RequestFreeze(ctx, req)
	require.NoError(t, err)
	_, err = coord.Release(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, false}, frozen)
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dialHub(t, srv)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	bus := NewBus()
	bus.Subscribe(hub.Broadcast)
	bus.Publish(context.Background(), freeze.StateChanged{
		Frozen:   true,
		Requests: []freeze.Request{freeze.NewRequest(freeze.SystemInitiated, "backup")},
	})

	ev := readEvent(t, conn)
	assert.Equal(t, EventFreezeStateChanged, ev.Type)
	assert.True(t, ev.Freeze.Frozen)
	require.Len(t, ev.Freeze.Requests, 1)
	assert.Equal(t, "backup", ev.Freeze.Requests[0].Initiator)
}

func TestHub_SendsLastEventOnConnect(t *testing.T) {
	bus := NewBus()
	bus.Publish(context.Background(), freeze.StateChanged{Frozen: true})

	hub := NewHub(bus.Last)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dialHub(t, srv)
	defer func() { _ = conn.Close() }()

	ev := readEvent(t, conn)
	last, _ := bus.Last()
	assert.Equal(t, last.ID, ev.ID)
	assert.True(t, ev.Freeze.Frozen)
}

func TestHub_ClientDisconnect(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}
