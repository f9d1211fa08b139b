// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/olivere/genqueue"
)

// newBridge starts a bridge that answers every sent text with
// "echo: <text>", followed by a media message for texts starting with "video".
// Texts starting with "mixed" are preceded by a message of another chat.
func newBridge(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			var f Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			if f.Type != "send" {
				continue
			}
			if strings.HasPrefix(f.Text, "mixed") {
				ws.WriteJSON(Frame{Type: "message", From: "@other", Text: "from another chat"})
			}
			ws.WriteJSON(Frame{Type: "message", From: f.To, Text: "echo: " + f.Text})
			if strings.HasPrefix(f.Text, "video") {
				ws.WriteJSON(Frame{Type: "message", From: f.To, Text: "done", Media: "clip 1"})
			}
		}
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/media/clip 1" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("mp4-bytes"))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, ts *httptest.Server, options ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c, err := Dial(ctx, wsURL(ts), append([]Option{SetLogger(nopLogger{})}, options...)...)
	if err != nil {
		t.Fatal(err)
	}
	go c.Run(ctx)
	return c
}

type nopLogger struct{}

func (nopLogger) Printf(format string, v ...interface{}) {}

func TestClientSendAndReceiveInOrder(t *testing.T) {
	c := dial(t, newBridge(t))
	events := make(chan genqueue.InboundEvent, 10)
	c.OnInboundEvent(func(ev genqueue.InboundEvent) { events <- ev })

	for _, text := range []string{"hello", "video of a cat"} {
		if err := c.Send(context.Background(), "@bot", text); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"echo: hello", "echo: video of a cat", "done"}
	for i, text := range want {
		select {
		case ev := <-events:
			if have := ev.Text; have != text {
				t.Fatalf("#%d: Text = %q, want %q", i, have, text)
			}
			if have, want := ev.HasMedia, text == "done"; have != want {
				t.Fatalf("#%d: HasMedia = %v, want %v", i, have, want)
			}
			if ev.ArrivalTime.IsZero() {
				t.Fatalf("#%d: expected ArrivalTime", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for %q", text)
		}
	}
}

func TestClientDownloadMedia(t *testing.T) {
	c := dial(t, newBridge(t))
	path := filepath.Join(t.TempDir(), "downloads", "a.mp4")
	n, err := c.DownloadMedia(context.Background(), "clip 1", path)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, int64(len("mp4-bytes")); have != want {
		t.Fatalf("n = %d, want %d", have, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := string(data), "mp4-bytes"; have != want {
		t.Fatalf("content = %q, want %q", have, want)
	}

	if _, err := c.DownloadMedia(context.Background(), "nope", filepath.Join(t.TempDir(), "b.mp4")); err == nil {
		t.Fatal("expected download of unknown media to fail")
	}
}

func TestClientSendAfterClose(t *testing.T) {
	c := dial(t, newBridge(t))
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Send(context.Background(), "@bot", "hello"); err != ErrNotConnected {
		t.Fatalf("want ErrNotConnected, have %v", err)
	}
}

func TestClientAcceptsOnlyPeer(t *testing.T) {
	c := dial(t, newBridge(t), SetPeer("@bot"))
	events := make(chan genqueue.InboundEvent, 10)
	c.OnInboundEvent(func(ev genqueue.InboundEvent) { events <- ev })

	if err := c.Send(context.Background(), "@bot", "mixed messages"); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if have, want := ev.Text, "echo: mixed messages"; have != want {
			t.Fatalf("Text = %q, want %q", have, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for echo")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %q", ev.Text)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientCloseStopsRun(t *testing.T) {
	ts := newBridge(t)
	c, err := Dial(context.Background(), wsURL(ts), SetLogger(nopLogger{}))
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- c.Run(context.Background()) }()

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run failed with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	// No reconnect after Close
	if err := c.connect(context.Background()); err != errClosed {
		t.Fatalf("want errClosed, have %v", err)
	}
	if c.current() != nil {
		t.Fatal("expected no connection after Close")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close failed with %v", err)
	}
}

func TestDefaultMediaURL(t *testing.T) {
	tests := []struct {
		In   string
		Want string
		Err  bool
	}{
		{"ws://localhost:8080/ws", "http://localhost:8080/media", false},
		{"wss://bridge.example.com/chat?token=x", "https://bridge.example.com/media", false},
		{"http://localhost/ws", "", true},
	}
	for i, tt := range tests {
		have, err := defaultMediaURL(tt.In)
		if tt.Err {
			if err == nil {
				t.Errorf("#%d: expected error", i)
			}
			continue
		}
		if err != nil {
			t.Errorf("#%d: %v", i, err)
			continue
		}
		if have != tt.Want {
			t.Errorf("#%d: have %q, want %q", i, have, tt.Want)
		}
	}
}
