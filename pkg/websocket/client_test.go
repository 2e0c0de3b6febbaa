package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ticker_daemon/pkg/logging"

	"github.com/gorilla/websocket"
)

func newEchoServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_DialAndReceive(t *testing.T) {
	server, url := newEchoServer(t)
	defer server.Close()

	logger, _ := logging.NewZapLogger("DEBUG")

	received := make(chan []byte, 1)
	client := NewClient(url, func(message []byte) {
		select {
		case received <- message:
		default:
		}
	}, logger)
	defer client.Close()

	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("expected connected state after Dial")
	}

	if err := client.Send(map[string]string{"op": "ping"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-received:
		if !strings.Contains(string(msg), "ping") {
			t.Errorf("unexpected echo payload: %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestClient_Heartbeat(t *testing.T) {
	var pings int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return conn.WriteControl(websocket.PongMessage, []byte{}, time.Now().Add(time.Second))
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	logger, _ := logging.NewZapLogger("DEBUG")

	client := NewClient(url, func(message []byte) {}, logger)
	client.SetPingConfig(100*time.Millisecond, 50*time.Millisecond, 500*time.Millisecond)

	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	time.Sleep(500 * time.Millisecond)

	if atomic.LoadInt32(&pings) < 2 {
		t.Errorf("Expected at least 2 pings, got %d", atomic.LoadInt32(&pings))
	}
}

func TestClient_DisconnectCallback(t *testing.T) {
	server, url := newEchoServer(t)

	logger, _ := logging.NewZapLogger("DEBUG")
	client := NewClient(url, func(message []byte) {}, logger)

	disconnected := make(chan struct{}, 1)
	client.SetOnDisconnected(func() {
		select {
		case disconnected <- struct{}{}:
		default:
		}
	})

	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	// Killing the server drops the connection out from under the client.
	server.CloseClientConnections()
	server.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
}

func TestClient_CloseSuppressesCallback(t *testing.T) {
	server, url := newEchoServer(t)
	defer server.Close()

	logger, _ := logging.NewZapLogger("DEBUG")
	client := NewClient(url, func(message []byte) {}, logger)

	var fired int32
	client.SetOnDisconnected(func() { atomic.AddInt32(&fired, 1) })

	if err := client.Dial(context.Background()); err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	client.Close()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("deliberate Close must not fire the disconnect callback")
	}
}
