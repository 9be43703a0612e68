// Package client is a Go client for workspace channels.
//
// A Client correlates requests with responses by id, merges every directory
// listing it receives into a local node set, and exposes terminal output and
// file-change notifications as channels.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cloudcode/cloudcode/internal/protocol"
	"github.com/cloudcode/cloudcode/pkg/models"
	"github.com/cloudcode/cloudcode/pkg/tree"
)

// ErrClosed is returned once the channel has closed.
var ErrClosed = errors.New("channel closed")

// RequestError is a failure reported by the server for one request.
type RequestError struct {
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	return e.Code + ": " + e.Message
}

// TerminalEvent is a terminal lifecycle change.
type TerminalEvent struct {
	State    string
	ExitCode *int
	Error    string
}

const (
	writeWait     = 10 * time.Second
	outputBacklog = 256
	eventBacklog  = 64
)

// Client is a connected workspace channel.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan protocol.Message
	nodes   tree.NodeSet

	loaded   chan []models.Node
	output   chan []byte
	terminal chan TerminalEvent
	changes  chan string
	notices  chan *RequestError

	done    chan struct{}
	readErr error
}

// Dial opens a channel. header may carry an Authorization bearer token.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		ws:       ws,
		pending:  make(map[int64]chan protocol.Message),
		loaded:   make(chan []models.Node, 1),
		output:   make(chan []byte, outputBacklog),
		terminal: make(chan TerminalEvent, eventBacklog),
		changes:  make(chan string, eventBacklog),
		notices:  make(chan *RequestError, eventBacklog),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the channel.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	return c.ws.Close()
}

// Done is closed when the channel stops reading.
func (c *Client) Done() <-chan struct{} { return c.done }

// Output delivers terminal output in order. It must be drained while a
// terminal is attached, or the client stops reading.
func (c *Client) Output() <-chan []byte { return c.output }

// TerminalEvents delivers terminal state changes.
func (c *Client) TerminalEvents() <-chan TerminalEvent { return c.terminal }

// FileChanges delivers paths saved by other channels of the same workspace.
func (c *Client) FileChanges() <-chan string { return c.changes }

// Notices delivers server errors that are not tied to a request.
func (c *Client) Notices() <-chan *RequestError { return c.notices }

// Loaded waits for the root listing sent when the session becomes ready.
func (c *Client) Loaded(ctx context.Context) ([]models.Node, error) {
	select {
	case nodes := <-c.loaded:
		return nodes, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

// FetchDir lists a directory and merges the result into the node set.
func (c *Client) FetchDir(ctx context.Context, path string) ([]models.Node, error) {
	id := c.nextID.Add(1)
	resp, err := c.roundTrip(ctx, id, protocol.FetchDir{ID: id, Path: path})
	if err != nil {
		return nil, err
	}
	dc, ok := resp.(protocol.DirContent)
	if !ok {
		return nil, fmt.Errorf("unexpected %s response to fetchDir", resp.Type())
	}
	c.mu.Lock()
	c.nodes.Merge(dc.Nodes...)
	c.mu.Unlock()
	return dc.Nodes, nil
}

// FetchContent returns the content of a file. Binary content is returned
// byte for byte.
func (c *Client) FetchContent(ctx context.Context, path string) (string, error) {
	id := c.nextID.Add(1)
	resp, err := c.roundTrip(ctx, id, protocol.FetchContent{ID: id, Path: path})
	if err != nil {
		return "", err
	}
	content, ok := resp.(protocol.Content)
	if !ok {
		return "", fmt.Errorf("unexpected %s response to fetchContent", resp.Type())
	}
	data, err := protocol.DecodeContent(content.Content, content.Encoding)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UpdateContent saves a file.
func (c *Client) UpdateContent(ctx context.Context, path, content string) error {
	id := c.nextID.Add(1)
	text, encoding := protocol.EncodeContent([]byte(content))
	resp, err := c.roundTrip(ctx, id, protocol.UpdateContent{ID: id, Path: path, Content: text, Encoding: encoding})
	if err != nil {
		return err
	}
	if _, ok := resp.(protocol.Ack); !ok {
		return fmt.Errorf("unexpected %s response to updateContent", resp.Type())
	}
	return nil
}

// RequestTerminal asks for a terminal and waits until it is attached or fails.
func (c *Client) RequestTerminal(ctx context.Context, rows, cols uint16) error {
	if err := c.write(protocol.RequestTerminal{Rows: rows, Cols: cols}); err != nil {
		return err
	}
	for {
		select {
		case ev := <-c.terminal:
			switch ev.State {
			case protocol.TerminalAttached:
				return nil
			case protocol.TerminalFailed:
				return fmt.Errorf("terminal failed: %s", ev.Error)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return c.closedErr()
		}
	}
}

// SendTerminal writes keyboard input to the terminal.
func (c *Client) SendTerminal(data string) error {
	return c.write(protocol.TerminalData{Data: data})
}

// Resize changes the terminal window size.
func (c *Client) Resize(rows, cols uint16) error {
	return c.write(protocol.Resize{Rows: rows, Cols: cols})
}

// Nodes returns every node received so far, in display order.
func (c *Client) Nodes() []models.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes.Nodes()
}

// Tree derives the hierarchical tree from the nodes received so far.
func (c *Client) Tree() *tree.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes.Build()
}

// FirstFile returns the first file of the root directory, the one an editor
// opens by default.
func (c *Client) FirstFile() (models.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes.FirstFile()
}

func (c *Client) roundTrip(ctx context.Context, id int64, req protocol.Message) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if e, ok := resp.(protocol.Error); ok {
			return nil, &RequestError{Code: e.Code, Message: e.Message}
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closedErr()
	}
}

func (c *Client) write(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return c.closedErr()
	default:
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) closedErr() error {
	if c.readErr != nil && !websocket.IsCloseError(c.readErr, websocket.CloseNormalClosure) {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if kind == websocket.BinaryMessage {
			select {
			case c.output <- data:
			case <-time.After(writeWait):
				// Nobody is draining output; drop rather than stall responses.
			}
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Loaded:
		c.mu.Lock()
		c.nodes.Merge(m.RootContent...)
		c.mu.Unlock()
		select {
		case c.loaded <- m.RootContent:
		default:
		}
	case protocol.DirContent:
		c.deliver(m.ID, m)
	case protocol.Content:
		c.deliver(m.ID, m)
	case protocol.Ack:
		c.deliver(m.ID, m)
	case protocol.Error:
		if m.ID != 0 {
			c.deliver(m.ID, m)
			return
		}
		select {
		case c.notices <- &RequestError{Code: m.Code, Message: m.Message}:
		default:
		}
	case protocol.TerminalState:
		select {
		case c.terminal <- TerminalEvent{State: m.State, ExitCode: m.ExitCode, Error: m.Error}:
		default:
		}
	case protocol.FileChanged:
		select {
		case c.changes <- m.Path:
		default:
		}
	}
}

func (c *Client) deliver(id int64, m protocol.Message) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if ok {
		ch <- m
	}
}
