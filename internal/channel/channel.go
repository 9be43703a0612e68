// Package channel serves the websocket channel between an editor and its
// workspace session.
//
// Each channel runs one read loop and one write pump. Every frame goes out
// through the write pump, so websocket writes are never concurrent. File
// requests are served on their own goroutines and never delay terminal
// output. Terminal output is sent as binary frames in the order the shell
// produced it.
package channel

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cloudcode/cloudcode/internal/filesync"
	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/metrics"
	"github.com/cloudcode/cloudcode/internal/protocol"
	"github.com/cloudcode/cloudcode/internal/session"
	"github.com/cloudcode/cloudcode/internal/terminal"
	"github.com/cloudcode/cloudcode/pkg/tree"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
	// readSlack leaves room for the envelope around a maximal file.
	readSlack = 64 * 1024
)

// Config configures channel handling.
type Config struct {
	// AllowedOrigins lists origins that may open a channel. Empty allows any.
	AllowedOrigins []string
	TerminalShell  string
	MaxContentSize int64
}

// Handler upgrades HTTP requests to workspace channels.
type Handler struct {
	registry *session.Registry
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	active map[*channel]struct{}
}

// NewHandler creates a Handler.
func NewHandler(registry *session.Registry, cfg Config) *Handler {
	if cfg.MaxContentSize <= 0 {
		cfg.MaxContentSize = filesync.DefaultMaxContentSize
	}
	h := &Handler{registry: registry, cfg: cfg, active: make(map[*channel]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Active returns the number of open channels.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Close asks every open channel to close. Clients receive a normal closure.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.active {
		c.shutdown()
	}
}

func (h *Handler) track(c *channel) {
	h.mu.Lock()
	h.active[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(c *channel) {
	h.mu.Lock()
	delete(h.active, c)
	h.mu.Unlock()
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, err := url.Parse(origin); err != nil {
		return false
	}
	return slices.Contains(h.cfg.AllowedOrigins, origin)
}

type frame struct {
	kind int
	data []byte
}

// channel is the server side of one websocket connection.
type channel struct {
	h           *Handler
	ws          *websocket.Conn
	workspaceID string
	state       *session.Conn
	sess        *session.Session
	log         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	out      chan frame
	done     chan struct{}
	doneOnce sync.Once

	requests sync.WaitGroup
}

// ServeWorkspace upgrades the request and serves a channel bound to
// workspaceID until the client disconnects.
func (h *Handler) ServeWorkspace(w http.ResponseWriter, r *http.Request, workspaceID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		logging.WithContext(r.Context()).Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id, err := uuid.NewV4()
	if err != nil {
		ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &channel{
		h:           h,
		ws:          ws,
		workspaceID: workspaceID,
		state:       session.NewConn(id.String()),
		log: logging.WithContext(r.Context()).With(
			zap.String("workspace", workspaceID),
			zap.String("conn_id", id.String())),
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan frame, sendBuffer),
		done:   make(chan struct{}),
	}
	c.serve()
}

func (c *channel) serve() {
	metrics.ChannelOpened()
	defer metrics.ChannelClosed()
	c.h.track(c)
	defer c.h.untrack(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	sess, err := c.h.registry.Bind(c.ctx, c.workspaceID, c.state)
	if err != nil {
		c.log.Error("failed to open session", zap.Error(err))
		code := protocol.CodeInternal
		if errors.Is(err, session.ErrInvalidWorkspace) {
			code = protocol.CodeBadRequest
		}
		c.send(protocol.Error{Code: code, Message: "cannot open workspace"})
		c.shutdown()
		<-writerDone
		c.ws.Close()
		return
	}
	c.sess = sess
	c.log.Info("channel opened")

	go c.forwardEvents()

	root, err := sess.FS.FetchDir(c.ctx, tree.Root)
	if err != nil {
		c.log.Error("failed to list workspace root", zap.Error(err))
		c.sendError(0, err)
	} else {
		c.state.Expand(tree.Root)
		c.send(protocol.Loaded{RootContent: root})
	}

	c.readLoop()

	c.shutdown()
	if err := c.h.registry.Release(c.workspaceID, c.state); err != nil {
		c.log.Warn("channel release failed", zap.Error(err))
	}
	c.requests.Wait()
	<-writerDone
	c.ws.Close()
	c.log.Info("channel closed")
}

// shutdown stops the write pump and cancels in-flight requests.
func (c *channel) shutdown() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
}

func (c *channel) readLoop() {
	c.ws.SetReadLimit(c.h.cfg.MaxContentSize + readSlack)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("channel read failed", zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case <-c.done:
			return
		default:
		}

		if kind == websocket.BinaryMessage {
			c.terminalInput(data)
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug("rejected message", zap.Error(err))
			c.sendError(protocol.RequestID(data), err)
			continue
		}
		metrics.RecordChannelMessage(string(msg.Type()))
		c.dispatch(msg)
	}
}

func (c *channel) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.FetchDir:
		c.async(func() { c.fetchDir(m) })
	case protocol.FetchContent:
		c.async(func() { c.fetchContent(m) })
	case protocol.UpdateContent:
		c.async(func() { c.updateContent(m) })
	case protocol.RequestTerminal:
		c.requestTerminal(m)
	case protocol.TerminalData:
		c.terminalInput([]byte(m.Data))
	case protocol.Resize:
		c.resize(m)
	default:
		c.sendError(0, errUnexpected{msg.Type()})
	}
}

// errUnexpected rejects server-to-client messages sent by a client.
type errUnexpected struct{ t protocol.Type }

func (e errUnexpected) Error() string { return "unexpected message type " + string(e.t) }

func (c *channel) async(fn func()) {
	c.requests.Add(1)
	go func() {
		defer c.requests.Done()
		fn()
	}()
}

func (c *channel) fetchDir(m protocol.FetchDir) {
	nodes, err := c.sess.FS.FetchDir(c.ctx, m.Path)
	if err != nil {
		c.sendError(m.ID, err)
		return
	}
	p := tree.Clean(m.Path)
	c.state.Expand(p)
	c.send(protocol.DirContent{ID: m.ID, Path: p, Nodes: nodes})
}

func (c *channel) fetchContent(m protocol.FetchContent) {
	data, err := c.sess.FS.FetchContent(c.ctx, m.Path)
	if err != nil {
		c.sendError(m.ID, err)
		return
	}
	p := tree.Clean(m.Path)
	c.state.SetActiveFile(p)
	content, encoding := protocol.EncodeContent(data)
	c.send(protocol.Content{ID: m.ID, Path: p, Content: content, Encoding: encoding})
}

func (c *channel) updateContent(m protocol.UpdateContent) {
	data, err := protocol.DecodeContent(m.Content, m.Encoding)
	if err != nil {
		c.sendError(m.ID, err)
		return
	}
	p, err := c.sess.FS.UpdateContent(c.ctx, m.Path, data)
	if err != nil {
		c.sendError(m.ID, err)
		return
	}
	c.sess.Publish(session.Event{Type: session.EventFileChanged, Path: p, Origin: c.state.ID})
	c.send(protocol.Ack{ID: m.ID})
}

func (c *channel) requestTerminal(m protocol.RequestTerminal) {
	if t := c.state.Terminal(); t != nil && t.State() == terminal.Attached {
		if m.Rows > 0 && m.Cols > 0 {
			t.Resize(m.Rows, m.Cols)
		}
		c.send(protocol.TerminalState{State: protocol.TerminalAttached})
		return
	}

	relay := terminal.New(terminal.Options{
		Shell: c.h.cfg.TerminalShell,
		Dir:   c.sess.FS.Root(),
		Rows:  m.Rows,
		Cols:  m.Cols,
	}, terminal.Callbacks{
		OnOutput: func(data []byte) {
			c.sendFrame(frame{kind: websocket.BinaryMessage, data: append([]byte(nil), data...)})
		},
		OnExit: func(code int) {
			c.send(protocol.TerminalState{State: protocol.TerminalClosed, ExitCode: &code})
		},
	})

	// A previous terminal that exited on its own is replaced.
	if prev := c.state.SetTerminal(relay); prev != nil {
		prev.Close()
	}

	if err := relay.Start(); err != nil {
		c.log.Error("terminal start failed", zap.Error(err))
		c.send(protocol.TerminalState{State: protocol.TerminalFailed, Error: "terminal could not be started"})
		return
	}
	c.log.Info("terminal attached")
	c.send(protocol.TerminalState{State: protocol.TerminalAttached})
}

func (c *channel) terminalInput(data []byte) {
	t := c.state.Terminal()
	if t == nil {
		c.send(protocol.Error{Code: protocol.CodeUnavailable, Message: "no terminal attached"})
		return
	}
	if err := t.Write(data); err != nil {
		c.send(protocol.Error{Code: protocol.CodeUnavailable, Message: err.Error()})
	}
}

func (c *channel) resize(m protocol.Resize) {
	t := c.state.Terminal()
	if t == nil {
		c.send(protocol.Error{Code: protocol.CodeUnavailable, Message: "no terminal attached"})
		return
	}
	if err := t.Resize(m.Rows, m.Cols); err != nil {
		c.send(protocol.Error{Code: protocol.CodeUnavailable, Message: err.Error()})
	}
}

func (c *channel) forwardEvents() {
	for ev := range c.state.Events() {
		switch ev.Type {
		case session.EventFileChanged:
			c.send(protocol.FileChanged{Path: ev.Path})
		}
	}
}

// send encodes a message and queues it for the write pump.
func (c *channel) send(m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		c.log.Error("encode failed", zap.Error(err))
		return
	}
	c.sendFrame(frame{kind: websocket.TextMessage, data: data})
}

// sendFrame blocks until the write pump accepts the frame or the channel closes.
func (c *channel) sendFrame(f frame) {
	select {
	case c.out <- f:
	case <-c.done:
	}
}

func (c *channel) sendError(id int64, err error) {
	code := errorCode(err)
	metrics.RecordChannelError(code)
	msg := err.Error()
	if code == protocol.CodeInternal {
		c.log.Error("request failed", zap.Int64("id", id), zap.Error(err))
		msg = "internal error"
	}
	c.send(protocol.Error{ID: id, Code: code, Message: msg})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrUnknownMessage),
		errors.Is(err, protocol.ErrInvalidMessage),
		errors.As(err, new(errUnexpected)):
		return protocol.CodeBadRequest
	case errors.Is(err, filesync.ErrNotFound):
		return protocol.CodeNotFound
	case errors.Is(err, filesync.ErrIsDirectory):
		return protocol.CodeIsDirectory
	case errors.Is(err, filesync.ErrNotDirectory):
		return protocol.CodeNotDir
	case errors.Is(err, filesync.ErrTooLarge):
		return protocol.CodeTooLarge
	case errors.Is(err, filesync.ErrInvalidPath):
		return protocol.CodeInvalidPath
	}
	return protocol.CodeInternal
}

func (c *channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer func() {
		// Unblock the read loop if the pump stopped on a write error.
		c.shutdown()
		c.ws.SetReadDeadline(time.Now())
	}()

	for {
		select {
		case f := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				c.log.Debug("channel write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drain()
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes frames that were queued before the channel closed.
func (c *channel) drain() {
	for {
		select {
		case f := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				return
			}
		default:
			return
		}
	}
}
