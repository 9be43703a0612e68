package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudcode/cloudcode/internal/protocol"
	"github.com/cloudcode/cloudcode/pkg/models"
)

// fakeServer answers requests with a scripted handler.
func fakeServer(t *testing.T, handle func(ws *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func send(ws *websocket.Conn, m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOutOfOrderResponses(t *testing.T) {
	url := fakeServer(t, func(ws *websocket.Conn) {
		send(ws, protocol.Loaded{RootContent: []models.Node{{Path: "/a", Type: models.TypeDir}}})

		// Collect two requests, then answer them in reverse order.
		var reqs []protocol.Message
		for len(reqs) < 2 {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Decode(data)
			if err != nil {
				return
			}
			reqs = append(reqs, msg)
		}
		for i := len(reqs) - 1; i >= 0; i-- {
			switch m := reqs[i].(type) {
			case protocol.FetchDir:
				send(ws, protocol.DirContent{ID: m.ID, Path: m.Path, Nodes: []models.Node{
					{Path: m.Path + "/x.txt", Type: models.TypeFile},
				}})
			case protocol.FetchContent:
				send(ws, protocol.Content{ID: m.ID, Path: m.Path, Content: "content of " + m.Path})
			}
		}
		ws.ReadMessage()
	})

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Loaded(ctx); err != nil {
		t.Fatal(err)
	}

	type dirResult struct {
		nodes []models.Node
		err   error
	}
	dirCh := make(chan dirResult, 1)
	go func() {
		nodes, err := c.FetchDir(ctx, "/a")
		dirCh <- dirResult{nodes, err}
	}()
	time.Sleep(20 * time.Millisecond)

	content, err := c.FetchContent(ctx, "/b.txt")
	if err != nil || content != "content of /b.txt" {
		t.Errorf("FetchContent = %q, %v", content, err)
	}
	res := <-dirCh
	if res.err != nil || len(res.nodes) != 1 || res.nodes[0].Path != "/a/x.txt" {
		t.Errorf("FetchDir = %v, %v", res.nodes, res.err)
	}

	root := c.Tree()
	if len(root.Children) != 1 || len(root.Children[0].Children) != 1 {
		t.Errorf("tree = %+v", root)
	}
}

func TestRequestErrorAndNotices(t *testing.T) {
	url := fakeServer(t, func(ws *websocket.Conn) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		send(ws, protocol.Error{Code: protocol.CodeUnavailable, Message: "no terminal attached"})
		send(ws, protocol.Error{ID: protocol.RequestID(data), Code: protocol.CodeNotFound, Message: "missing"})
		send(ws, protocol.FileChanged{Path: "/index.js"})
		ws.ReadMessage()
	})

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.FetchContent(ctx, "/missing")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != protocol.CodeNotFound {
		t.Fatalf("FetchContent error = %v", err)
	}

	select {
	case n := <-c.Notices():
		if n.Code != protocol.CodeUnavailable {
			t.Errorf("notice = %+v", n)
		}
	case <-time.After(time.Second):
		t.Error("no notice")
	}
	select {
	case p := <-c.FileChanges():
		if p != "/index.js" {
			t.Errorf("fileChanged = %s", p)
		}
	case <-time.After(time.Second):
		t.Error("no fileChanged")
	}
}

func TestTerminalFailure(t *testing.T) {
	url := fakeServer(t, func(ws *websocket.Conn) {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		send(ws, protocol.TerminalState{State: protocol.TerminalFailed, Error: "no shell"})
		ws.ReadMessage()
	})

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.RequestTerminal(ctx, 24, 80)
	if err == nil || !strings.Contains(err.Error(), "no shell") {
		t.Errorf("RequestTerminal = %v", err)
	}
}

func TestServerDisconnect(t *testing.T) {
	url := fakeServer(t, func(ws *websocket.Conn) {
		ws.ReadMessage()
	})

	c := dial(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.FetchContent(ctx, "/x")
	if !errors.Is(err, ErrClosed) {
		t.Errorf("FetchContent after disconnect = %v, want ErrClosed", err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed")
	}
}
