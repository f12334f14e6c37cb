package repo

import (
	"encoding/json"
	"fmt"

	"docsync/internal/crdt"
)

type MessageType string

// Message types
const (
	// TypeRequest asks for a document, reporting the sender's clock.
	TypeRequest MessageType = "request"
	// TypeSync carries the sender's clock and changes the receiver lacks.
	TypeSync MessageType = "sync"
	// TypeUnavailable is sent for documents that do not exist and for
	// documents the peer may not see. The two are indistinguishable.
	TypeUnavailable MessageType = "doc-unavailable"
	// TypeError reports a sync failure on a document the peer may see.
	TypeError MessageType = "error"
)

// Message is the envelope for all sync frames.
type Message struct {
	Type       MessageType `json:"type"`
	DocumentID DocumentID  `json:"documentId"`
	Clock      crdt.Clock  `json:"clock,omitempty"`
	// Data is an encoded chunk of changes.
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func EncodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.Type == "" || m.DocumentID == "" {
		return nil, fmt.Errorf("decode message: missing type or document id")
	}
	return &m, nil
}

func unavailable(id DocumentID) *Message {
	return &Message{Type: TypeUnavailable, DocumentID: id}
}
