package websocket_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/snehjoshi/deferq/internal/driver"
	"github.com/snehjoshi/deferq/internal/transport/websocket"
	"github.com/snehjoshi/deferq/pkg/scheduler"
)

func dial(t *testing.T, srv *httptest.Server, header http.Header) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gorillaws.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gorillaws.Conn) websocket.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f websocket.Frame
	require.NoError(t, sonic.Unmarshal(data, &f))
	return f
}

func TestHub_StreamsEvents(t *testing.T) {
	hub := websocket.NewHub(8)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, nil)
	hello := readFrame(t, conn)
	require.Equal(t, "hello", hello.Type)
	require.Equal(t, 1, hello.Subscribers)

	hub.Publish(driver.Event{
		ID:     "01HZY0000000000000000000AA",
		Driver: "default",
		TaskID: 7,
		Status: scheduler.StatusDone,
		Result: "ok",
	})

	f := readFrame(t, conn)
	require.Equal(t, "event", f.Type)
	require.NotNil(t, f.Event)
	require.Equal(t, scheduler.ID(7), f.Event.TaskID)
	require.Equal(t, scheduler.StatusDone, f.Event.Status)
	require.Equal(t, "ok", f.Event.Result)
}

func TestHub_DropsWhenSubscriberIsSlow(t *testing.T) {
	hub := websocket.NewHub(1)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, nil)
	readFrame(t, conn) // hello; the client then stops reading

	require.Eventually(t, func() bool {
		for i := range 500 {
			hub.Publish(driver.Event{TaskID: scheduler.ID(i + 1)})
		}
		return hub.Dropped() > 0
	}, 3*time.Second, time.Millisecond)
}

func TestHub_UnsubscribesOnDisconnect(t *testing.T) {
	hub := websocket.NewHub(0)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn := dial(t, srv, nil)
	readFrame(t, conn)
	require.Equal(t, 1, hub.Subscribers())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	hub := websocket.NewHub(0)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, nil)
	readFrame(t, conn)
	hub.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, gorillaws.IsCloseError(err, gorillaws.CloseGoingAway), "got %v", err)
}

func TestHub_RejectsCrossOrigin(t *testing.T) {
	hub := websocket.NewHub(0)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := gorillaws.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}
