// Package protocol defines the messages exchanged over a workspace channel.
//
// Every text frame is a JSON object whose "type" field selects one of the
// message structs below. The set is closed: Decode rejects any other type
// with ErrUnknownMessage, so handlers only ever see a known Message.
// Terminal output is not enveloped; it travels as raw binary frames.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/cloudcode/cloudcode/pkg/models"
)

// Type is the discriminator of a message.
type Type string

const (
	TypeLoaded          Type = "loaded"
	TypeFetchDir        Type = "fetchDir"
	TypeDirContent      Type = "dirContent"
	TypeFetchContent    Type = "fetchContent"
	TypeContent         Type = "content"
	TypeUpdateContent   Type = "updateContent"
	TypeAck             Type = "ack"
	TypeRequestTerminal Type = "requestTerminal"
	TypeTerminalData    Type = "terminalData"
	TypeResize          Type = "resize"
	TypeTerminalState   Type = "terminalState"
	TypeFileChanged     Type = "fileChanged"
	TypeError           Type = "error"
)

// Error codes carried by Error messages.
const (
	CodeBadRequest  = "bad_request"
	CodeNotFound    = "not_found"
	CodeIsDirectory = "is_directory"
	CodeTooLarge    = "too_large"
	CodeInvalidPath = "invalid_path"
	CodeNotDir      = "not_directory"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

// Terminal states carried by TerminalState messages.
const (
	TerminalAttached = "attached"
	TerminalClosed   = "closed"
	TerminalFailed   = "failed"
)

var (
	// ErrUnknownMessage is returned by Decode for an unrecognized type.
	ErrUnknownMessage = errors.New("unknown message type")
	// ErrInvalidMessage is returned by Decode for malformed payloads.
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is implemented by every message in the protocol.
type Message interface {
	Type() Type
}

// Loaded announces a ready session with the root directory listing.
type Loaded struct {
	RootContent []models.Node `json:"rootContent"`
}

// FetchDir requests the immediate children of a directory.
type FetchDir struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

// DirContent answers FetchDir.
type DirContent struct {
	ID    int64         `json:"id"`
	Path  string        `json:"path"`
	Nodes []models.Node `json:"nodes"`
}

// FetchContent requests the full content of a file.
type FetchContent struct {
	ID   int64  `json:"id"`
	Path string `json:"path"`
}

// EncodingBase64 marks content that is not valid UTF-8 and was base64
// encoded. Empty Encoding means the content is the file text itself.
const EncodingBase64 = "base64"

// Content answers FetchContent.
type Content struct {
	ID       int64  `json:"id"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// UpdateContent replaces the content of a file.
type UpdateContent struct {
	ID       int64  `json:"id"`
	Path     string `json:"path"`
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}

// EncodeContent returns data in the form carried by Content and
// UpdateContent. JSON strings cannot hold arbitrary bytes, so anything that
// is not valid UTF-8 is base64 encoded.
func EncodeContent(data []byte) (content, encoding string) {
	if utf8.Valid(data) {
		return string(data), ""
	}
	return base64.StdEncoding.EncodeToString(data), EncodingBase64
}

// DecodeContent reverses EncodeContent.
func DecodeContent(content, encoding string) ([]byte, error) {
	switch encoding {
	case "":
		return []byte(content), nil
	case EncodingBase64:
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, fmt.Errorf("%w: content: %v", ErrInvalidMessage, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: unknown content encoding %q", ErrInvalidMessage, encoding)
}

// Ack answers a request that carries no data back.
type Ack struct {
	ID int64 `json:"id"`
}

// RequestTerminal asks for a terminal bound to the channel.
type RequestTerminal struct {
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
}

// TerminalData carries keyboard input for the terminal.
type TerminalData struct {
	Data string `json:"data"`
}

// Resize changes the terminal window size.
type Resize struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// TerminalState reports a terminal lifecycle change.
type TerminalState struct {
	State    string `json:"state"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FileChanged tells a channel that another channel saved a file.
type FileChanged struct {
	Path string `json:"path"`
}

// Error reports a failed request. ID is zero for errors not tied to a request.
type Error struct {
	ID      int64  `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (Loaded) Type() Type          { return TypeLoaded }
func (FetchDir) Type() Type        { return TypeFetchDir }
func (DirContent) Type() Type      { return TypeDirContent }
func (FetchContent) Type() Type    { return TypeFetchContent }
func (Content) Type() Type         { return TypeContent }
func (UpdateContent) Type() Type   { return TypeUpdateContent }
func (Ack) Type() Type             { return TypeAck }
func (RequestTerminal) Type() Type { return TypeRequestTerminal }
func (TerminalData) Type() Type    { return TypeTerminalData }
func (Resize) Type() Type          { return TypeResize }
func (TerminalState) Type() Type   { return TypeTerminalState }
func (FileChanged) Type() Type     { return TypeFileChanged }
func (Error) Type() Type           { return TypeError }

// newMessage returns a pointer to a zero message of the given type.
func newMessage(t Type) Message {
	switch t {
	case TypeLoaded:
		return &Loaded{}
	case TypeFetchDir:
		return &FetchDir{}
	case TypeDirContent:
		return &DirContent{}
	case TypeFetchContent:
		return &FetchContent{}
	case TypeContent:
		return &Content{}
	case TypeUpdateContent:
		return &UpdateContent{}
	case TypeAck:
		return &Ack{}
	case TypeRequestTerminal:
		return &RequestTerminal{}
	case TypeTerminalData:
		return &TerminalData{}
	case TypeResize:
		return &Resize{}
	case TypeTerminalState:
		return &TerminalState{}
	case TypeFileChanged:
		return &FileChanged{}
	case TypeError:
		return &Error{}
	}
	return nil
}

type header struct {
	Type Type  `json:"type"`
	ID   int64 `json:"id"`
}

// Encode marshals a message into its enveloped JSON form.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	typ, err := json.Marshal(m.Type())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}

	out := make([]byte, 0, len(body)+len(typ)+9)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// Decode parses an enveloped message. The returned Message is a value of one
// of the message structs, never a pointer.
func Decode(data []byte) (Message, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	m := newMessage(h.Type)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, h.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, h.Type, err)
	}

	msg := deref(m)
	if err := validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, h.Type, err)
	}
	return msg, nil
}

// RequestID extracts the request id from a raw frame, so that a frame that
// fails to decode can still be answered. It returns zero when absent.
func RequestID(data []byte) int64 {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return 0
	}
	return h.ID
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *Loaded:
		return *v
	case *FetchDir:
		return *v
	case *DirContent:
		return *v
	case *FetchContent:
		return *v
	case *Content:
		return *v
	case *UpdateContent:
		return *v
	case *Ack:
		return *v
	case *RequestTerminal:
		return *v
	case *TerminalData:
		return *v
	case *Resize:
		return *v
	case *TerminalState:
		return *v
	case *FileChanged:
		return *v
	case *Error:
		return *v
	}
	return m
}

func validate(m Message) error {
	switch v := m.(type) {
	case FetchDir:
		if v.Path == "" {
			return errors.New("path is required")
		}
	case FetchContent:
		if v.Path == "" {
			return errors.New("path is required")
		}
	case UpdateContent:
		if v.Path == "" {
			return errors.New("path is required")
		}
		if v.Encoding != "" && v.Encoding != EncodingBase64 {
			return fmt.Errorf("unknown content encoding %q", v.Encoding)
		}
	case Content:
		if v.Encoding != "" && v.Encoding != EncodingBase64 {
			return fmt.Errorf("unknown content encoding %q", v.Encoding)
		}
	case Resize:
		if v.Rows == 0 || v.Cols == 0 {
			return errors.New("rows and cols must be positive")
		}
	case TerminalState:
		switch v.State {
		case TerminalAttached, TerminalClosed, TerminalFailed:
		default:
			return fmt.Errorf("unknown terminal state %q", v.State)
		}
	}
	return nil
}
