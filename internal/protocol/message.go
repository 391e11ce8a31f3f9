// Package protocol implements the JSON message protocol remote clients use
// to drive a projection session.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/zot/projhost/internal/projection"
	"github.com/zot/projhost/internal/storage"
)

// MessageType identifies the type of protocol message.
type MessageType string

const (
	MsgVersion       MessageType = "version"
	MsgCompileModule MessageType = "compile_module"
	MsgCompileQuery  MessageType = "compile_query"
	MsgExecute       MessageType = "execute"
	MsgFeed          MessageType = "feed"
	MsgErrors        MessageType = "errors"
	MsgResults       MessageType = "results"
	MsgDispose       MessageType = "dispose"
)

// Message is the base protocol message structure. ID is echoed in the
// response so clients can pair them.
type Message struct {
	Type MessageType     `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response answers one message.
type Response struct {
	ID     string      `json:"id,omitempty"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// CompileModuleMessage compiles a module into the session prelude.
type CompileModuleMessage struct {
	Source string `json:"source"`
	File   string `json:"file,omitempty"`
}

// CompileQueryMessage compiles a query, replacing any query of that name.
type CompileQueryMessage struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	File   string `json:"file,omitempty"`
}

// ExecuteMessage dispatches to every handler a query declared under Handler.
type ExecuteMessage struct {
	Query   string            `json:"query"`
	Handler string            `json:"handler"`
	Data    json.RawMessage   `json:"data,omitempty"`
	Aux     []json.RawMessage `json:"aux,omitempty"`
}

// FeedMessage dispatches a batch of events to a query.
type FeedMessage struct {
	Query  string             `json:"query"`
	Events []projection.Event `json:"events"`
}

// ErrorsMessage asks for diagnostics, of one query or of the whole session.
type ErrorsMessage struct {
	Query string `json:"query,omitempty"`
	Clear bool   `json:"clear,omitempty"`
}

// QueryMessage names a query.
type QueryMessage struct {
	Query string `json:"query"`
}

// VersionResponse reports the boundary version.
type VersionResponse struct {
	Version int `json:"version"`
}

// CompileResponse reports what a compile produced.
type CompileResponse struct {
	Name     string                  `json:"name,omitempty"`
	File     string                  `json:"file"`
	Handlers []string                `json:"handlers,omitempty"`
	Errors   []projection.Diagnostic `json:"errors,omitempty"`
}

// ExecuteResult is the outcome of one handler call. Payload is absent when
// the call failed.
type ExecuteResult struct {
	Ref     int64           `json:"ref"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecuteResponse reports the calls an execute message made.
type ExecuteResponse struct {
	Results []ExecuteResult         `json:"results"`
	Errors  []projection.Diagnostic `json:"errors,omitempty"`
}

// ErrorsResponse lists diagnostics.
type ErrorsResponse struct {
	Errors []projection.Diagnostic `json:"errors"`
}

// ResultsResponse lists stored results.
type ResultsResponse struct {
	Results []*storage.Record `json:"results"`
}

// ParseMessage parses a single message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message has no type")
	}
	return &msg, nil
}

// ParseMessages parses raw JSON that is either a single message or an array
// of messages.
func ParseMessages(data []byte) ([]*Message, error) {
	for len(data) > 0 && (data[0] == ' ' || data[0] == '\n' || data[0] == '\r' || data[0] == '\t') {
		data = data[1:]
	}
	if len(data) == 0 {
		return nil, nil
	}

	switch data[0] {
	case '[':
		var msgs []Message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, err
		}
		result := make([]*Message, len(msgs))
		for i := range msgs {
			if msgs[i].Type == "" {
				return nil, fmt.Errorf("message %d has no type", i)
			}
			result[i] = &msgs[i]
		}
		return result, nil
	case '{':
		msg, err := ParseMessage(data)
		if err != nil {
			return nil, err
		}
		return []*Message{msg}, nil
	}
	return nil, fmt.Errorf("message must be a JSON object or array")
}

// NewMessage creates a new message with the given type and data.
func NewMessage(msgType MessageType, id string, data interface{}) (*Message, error) {
	var raw json.RawMessage
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, err
		}
	}
	return &Message{Type: msgType, ID: id, Data: raw}, nil
}

// Encode serializes a message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
