package feed

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/anotify/internal/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEntry(id, path, typ string) journal.Entry {
	return journal.Entry{
		ID:        id,
		Rule:      "rule",
		Path:      path,
		Type:      typ,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBroadcasterFansOutToClients(t *testing.T) {
	bc := NewBroadcaster(testLogger(), 4)
	defer bc.Close()

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	bc.Publish(testEntry("e1", "/etc/passwd", "write"))

	for _, c := range []*Client{c1, c2} {
		select {
		case raw := <-c.Send():
			var msg Message
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Fatalf("unmarshal frame: %v", err)
			}
			if msg.Type != "event" || msg.Data.Path != "/etc/passwd" || msg.Data.Type != "write" {
				t.Fatalf("message = %+v", msg)
			}
		case <-time.After(time.Second):
			t.Fatalf("client %s did not receive the event", c.ID())
		}
	}
}

func TestBroadcasterDropsWhenClientFull(t *testing.T) {
	bc := NewBroadcaster(testLogger(), 1)
	defer bc.Close()

	c := bc.Register("slow")
	defer bc.Unregister("slow")

	bc.Publish(testEntry("e1", "/a", "write"))
	bc.Publish(testEntry("e2", "/b", "write"))

	if got := c.Dropped.Load(); got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}
	// The first event is still there.
	raw := <-c.Send()
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Data.ID != "e1" {
		t.Fatalf("surviving event = %s, want e1 (oldest kept)", msg.Data.ID)
	}
}

func TestBroadcasterSubscribe(t *testing.T) {
	bc := NewBroadcaster(testLogger(), 4)
	defer bc.Close()

	ch := bc.Subscribe(context.Background())
	bc.Publish(testEntry("e1", "/etc/hosts", "metadata"))

	select {
	case e := <-ch:
		if e.ID != "e1" || e.Type != "metadata" {
			t.Fatalf("entry = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	bc.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after Unsubscribe")
	}
}

func TestBroadcasterSubscribeContextCancel(t *testing.T) {
	bc := NewBroadcaster(testLogger(), 4)
	defer bc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch := bc.Subscribe(ctx)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancellation")
		}
	}
}

func TestBroadcasterClose(t *testing.T) {
	bc := NewBroadcaster(testLogger(), 4)

	c := bc.Register("c")
	ch := bc.Subscribe(context.Background())

	bc.Close()

	if _, ok := <-c.Send(); ok {
		t.Fatal("client channel not closed after Close")
	}
	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel not closed after Close")
	}
	if bc.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d after Close", bc.ClientCount())
	}

	// Post-close operations are no-ops or return closed channels.
	bc.Publish(testEntry("e", "/x", "write"))
	if _, ok := <-bc.Subscribe(context.Background()); ok {
		t.Fatal("Subscribe after Close returned an open channel")
	}
	if _, ok := <-bc.Register("late").Send(); ok {
		t.Fatal("Register after Close returned an open channel")
	}
}

// --------------------------------------------------------------------------
// WebSocket handler
// --------------------------------------------------------------------------

// wsDial performs a raw WebSocket handshake against url and returns the
// connection with the handshake response consumed.
func wsDial(t *testing.T, url string) (net.Conn, *bufio.Reader) {
	t.Helper()
	addr := strings.TrimPrefix(url, "http://")
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	const key = "dGhlIHNhbXBsZSBub25jZQ=="
	req := "GET /api/v1/stream HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: " + key + "\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if !strings.Contains(status, "101") {
		t.Fatalf("handshake status = %q, want 101", strings.TrimSpace(status))
	}

	var acceptHeader string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read headers: %v", err)
		}
		if line == "\r\n" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "sec-websocket-accept:") {
			acceptHeader = strings.TrimSpace(line[len("sec-websocket-accept:"):])
		}
	}

	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	want := base64.StdEncoding.EncodeToString(h.Sum(nil))
	if acceptHeader != want {
		t.Fatalf("Sec-WebSocket-Accept = %q, want %q", acceptHeader, want)
	}

	return conn, br
}

// readTextFrame reads one unfragmented server text frame.
func readTextFrame(t *testing.T, br *bufio.Reader) []byte {
	t.Helper()
	header := make([]byte, 2)
	if _, err := io.ReadFull(br, header); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	if header[0] != 0x81 {
		t.Fatalf("frame byte 0 = %#x, want 0x81 (FIN|text)", header[0])
	}
	length := int(header[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(br, ext[:]); err != nil {
			t.Fatalf("read extended length: %v", err)
		}
		length = int(binary.BigEndian.Uint16(ext[:]))
	case 127:
		t.Fatal("unexpectedly large frame")
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return payload
}

func TestHandlerUpgradeAndPush(t *testing.T) {
	bc := NewBroadcaster(testLogger(), 4)
	defer bc.Close()
	srv := httptest.NewServer(NewHandler(bc, testLogger(), time.Second))
	defer srv.Close()

	_, br := wsDial(t, srv.URL)

	// The client is registered once the handshake completes.
	deadline := time.Now().Add(2 * time.Second)
	for bc.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bc.Publish(testEntry("e1", "/tmp/x", "create"))

	payload := readTextFrame(t, br)
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if msg.Data.ID != "e1" || msg.Data.Type != "create" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestHandlerRejectsPlainHTTP(t *testing.T) {
	bc := NewBroadcaster(testLogger(), 4)
	defer bc.Close()
	srv := httptest.NewServer(NewHandler(bc, testLogger(), time.Second))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUpgradeRequired {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusUpgradeRequired)
	}
}

func TestHandlerClientCloseFrameUnregisters(t *testing.T) {
	bc := NewBroadcaster(testLogger(), 4)
	defer bc.Close()
	srv := httptest.NewServer(NewHandler(bc, testLogger(), time.Second))
	defer srv.Close()

	conn, _ := wsDial(t, srv.URL)

	deadline := time.Now().Add(2 * time.Second)
	for bc.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Masked close frame (opcode 8, empty payload).
	closeFrame := []byte{0x88, 0x80, 0x00, 0x00, 0x00, 0x00}
	if _, err := conn.Write(closeFrame); err != nil {
		t.Fatalf("write close frame: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for bc.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered after close frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
