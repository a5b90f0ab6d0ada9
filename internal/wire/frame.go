// Package wire defines the JSON envelopes exchanged between the realtime
// server and editor clients. One flat frame type covers the whole tagged
// union; fields irrelevant to a frame's Type stay zero and are omitted on
// the wire. Binary payloads ride as base64 strings courtesy of
// encoding/json.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Type string

const (
	// Client to server.
	TypeJoin      Type = "join"
	TypeLeave     Type = "leave"
	TypeUpdate    Type = "update"
	TypeAwareness Type = "awareness"

	// Server to client. TypeUpdate and TypeAwareness travel both ways.
	TypeJoined       Type = "joined"
	TypeMemberJoined Type = "member_joined"
	TypeMemberLeft   Type = "member_left"
	TypeError        Type = "error"
)

var ErrBadFrame = errors.New("malformed frame")

// Member is one roster entry. ID names the membership and changes on every
// join; UserID is the stable identity behind it.
type Member struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

// Frame is one envelope in either direction.
type Frame struct {
	Type      Type     `json:"type"`
	ProjectID string   `json:"project_id,omitempty"`
	FileID    string   `json:"file_id,omitempty"`
	Data      []byte   `json:"data,omitempty"`    // update or awareness payload
	State     []byte   `json:"state,omitempty"`   // joined: full document state
	Vector    []byte   `json:"vector,omitempty"`  // joined: server state vector
	Site      uint32   `json:"site,omitempty"`    // join: the client's replica site id
	Members   []Member `json:"members,omitempty"` // joined, member_joined, member_left
	Self      *Member  `json:"self,omitempty"`    // joined: the caller's own entry
	Message   string   `json:"message,omitempty"` // error
}

func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return f, nil
}

// ValidateInbound checks a client-sent frame against the tagged union
// before any dispatch. Unknown types and missing required fields are
// protocol violations.
func ValidateInbound(f Frame) error {
	switch f.Type {
	case TypeJoin, TypeLeave:
		if f.ProjectID == "" || f.FileID == "" {
			return fmt.Errorf("%w: %s needs project_id and file_id", ErrBadFrame, f.Type)
		}
	case TypeUpdate, TypeAwareness:
		if f.ProjectID == "" || f.FileID == "" {
			return fmt.Errorf("%w: %s needs project_id and file_id", ErrBadFrame, f.Type)
		}
		if len(f.Data) == 0 {
			return fmt.Errorf("%w: %s needs data", ErrBadFrame, f.Type)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrBadFrame)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrBadFrame, f.Type)
	}
	return nil
}
