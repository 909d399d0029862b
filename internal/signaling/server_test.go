package signaling

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestGeneratePINProducesFixedLengthNumericString(t *testing.T) {
	pin := GeneratePIN(6)
	if len(pin) != 6 {
		t.Fatalf("len(pin) = %d, want 6", len(pin))
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			t.Fatalf("pin %q contains a non-digit rune %q", pin, r)
		}
	}
}

func TestWaitForClientRejectsWrongPIN(t *testing.T) {
	srv := NewServer("123456")
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=wrong", port)
	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial with wrong PIN to fail")
	}
}

func TestWaitForClientAcceptsCorrectPINAndExchangesMessages(t *testing.T) {
	srv := NewServer("654321")
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=654321", port)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientDone := make(chan error, 1)
	var clientConn *websocket.Conn
	go func() {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		clientConn = c
		clientDone <- err
	}()

	serverConn, err := srv.WaitForClient(ctx)
	if err != nil {
		t.Fatalf("WaitForClient: %v", err)
	}
	defer serverConn.Close()

	if err := <-clientDone; err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer clientConn.Close()

	if err := serverConn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	_, payload, err := clientConn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(payload) != "hello" {
		t.Fatalf("payload = %q, want hello", payload)
	}
}

func TestWaitForClientRejectsSecondConnection(t *testing.T) {
	srv := NewServer("111111")
	port, err := srv.Start()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Close()

	url := fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=111111", port)

	first, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := srv.WaitForClient(ctx); err != nil {
		t.Fatalf("WaitForClient (first): %v", err)
	}

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatal("expected the second connection to be closed as already-connected")
	}
}
