// Package session tracks live workspace sessions and the channels bound to them.
//
// All channels bound to one workspace id share a single Session: the same
// on-disk root and the same file-change notifications. Each channel keeps its
// own Conn state, including its own terminal.
package session

import (
	"sort"
	"sync"

	"github.com/cloudcode/cloudcode/internal/filesync"
	"github.com/cloudcode/cloudcode/internal/terminal"
)

// Event types delivered to bound channels.
const (
	EventFileChanged = "fileChanged"
)

// Event is a change notification fanned out to the channels of a session.
type Event struct {
	Type string
	Path string
	// Origin is the id of the channel that caused the event.
	Origin string
}

const eventBacklog = 64

// Session is the shared state of one workspace.
type Session struct {
	ID string
	FS *filesync.FS

	mu    sync.RWMutex
	conns map[string]*Conn
}

func newSession(id string, fs *filesync.FS) *Session {
	return &Session{ID: id, FS: fs, conns: make(map[string]*Conn)}
}

// Publish delivers an event to every channel except its origin. Slow
// channels drop events rather than block the publisher.
func (s *Session) Publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.conns {
		if id == ev.Origin {
			continue
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

// Conns returns the number of bound channels.
func (s *Session) Conns() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Session) attach(c *Conn) {
	s.mu.Lock()
	s.conns[c.ID] = c
	s.mu.Unlock()
}

func (s *Session) detach(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[c.ID] != c {
		return false
	}
	delete(s.conns, c.ID)
	close(c.events)
	return true
}

// Conn is the per-channel state within a session.
type Conn struct {
	ID string

	events chan Event

	mu         sync.Mutex
	expanded   map[string]struct{}
	activeFile string
	term       *terminal.Relay
}

// NewConn creates the state for a channel. Bind attaches it to a session.
func NewConn(id string) *Conn {
	return &Conn{
		ID:       id,
		events:   make(chan Event, eventBacklog),
		expanded: make(map[string]struct{}),
	}
}

// Events returns the channel's notification stream. It is closed on release.
func (c *Conn) Events() <-chan Event { return c.events }

// Expand marks a directory as expanded.
func (c *Conn) Expand(p string) {
	c.mu.Lock()
	c.expanded[p] = struct{}{}
	c.mu.Unlock()
}

// Expanded returns the expanded directories in sorted order.
func (c *Conn) Expanded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.expanded))
	for p := range c.expanded {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SetActiveFile records the file last opened by the channel.
func (c *Conn) SetActiveFile(p string) {
	c.mu.Lock()
	c.activeFile = p
	c.mu.Unlock()
}

// ActiveFile returns the file last opened by the channel.
func (c *Conn) ActiveFile() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeFile
}

// Terminal returns the channel's terminal, if any.
func (c *Conn) Terminal() *terminal.Relay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

// SetTerminal replaces the channel's terminal and returns the previous one.
func (c *Conn) SetTerminal(r *terminal.Relay) *terminal.Relay {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.term
	c.term = r
	return prev
}
