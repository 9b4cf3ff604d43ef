// Package protocol defines the JSON wire formats exchanged over the chat and
// signaling WebSockets.
//
// This package models the protocol surface only; it has no knowledge of the
// relay, the registry, or any WebRTC implementation beyond the minimal
// SDP/candidate shapes in sdp.go.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type ChatFrameType string

const (
	// ChatFrameMessage carries a user-to-user chat message. Clients send it to
	// the relay; the relay forwards it verbatim to the recipient's chat socket.
	ChatFrameMessage ChatFrameType = "chat"

	// ChatFramePresence is pushed by the relay to every connected client on
	// each registration or unregistration. Users is the full online list in
	// registration order.
	ChatFramePresence ChatFrameType = "presence"

	// ChatFrameAck confirms to the sender that the relay delivered the message
	// identified by MessageID.
	ChatFrameAck ChatFrameType = "ack"

	// ChatFrameError reports a failed send (or protocol violation) back to the
	// client that caused it.
	ChatFrameError ChatFrameType = "error"
)

// Error codes carried by ChatFrameError / signaling error envelopes.
const (
	CodeRecipientOffline  = "recipient_offline"
	CodeTargetUnreachable = "target_unreachable"
	CodeBadMessage        = "bad_message"
	CodeRateLimited       = "rate_limited"
	CodeUnauthorized      = "unauthorized"
)

// ChatFrame is the union of every frame type on the chat socket. Exactly one
// frame per WebSocket text message.
type ChatFrame struct {
	Type ChatFrameType `json:"type"`

	// ChatFrameMessage fields.
	SenderID        string `json:"senderId,omitempty"`
	RecipientID     string `json:"recipientId,omitempty"`
	Content         string `json:"content,omitempty"`
	TimestampMillis int64  `json:"timestampMillis,omitempty"`

	// MessageID is set on chat, ack and error frames. It is client-generated,
	// globally unique and never reused; receivers use it to deduplicate
	// retransmissions.
	MessageID string `json:"messageId,omitempty"`

	// ChatFramePresence field.
	Users []string `json:"users,omitempty"`

	// ChatFrameError fields.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseChatFrame decodes and validates a single chat frame. Unknown fields and
// trailing data are rejected.
func ParseChatFrame(data []byte) (ChatFrame, error) {
	var f ChatFrame
	if err := decodeStrict(data, &f); err != nil {
		return ChatFrame{}, err
	}
	if err := f.Validate(); err != nil {
		return ChatFrame{}, err
	}
	return f, nil
}

func (f ChatFrame) Validate() error {
	switch f.Type {
	case ChatFrameMessage:
		if f.SenderID == "" || f.RecipientID == "" {
			return fmt.Errorf("chat frame missing senderId/recipientId")
		}
		if f.MessageID == "" {
			return fmt.Errorf("chat frame missing messageId")
		}
		if len(f.Users) != 0 || f.Code != "" || f.Message != "" {
			return fmt.Errorf("chat frame has unexpected fields")
		}
	case ChatFramePresence:
		if f.SenderID != "" || f.RecipientID != "" || f.Content != "" || f.MessageID != "" || f.Code != "" || f.Message != "" {
			return fmt.Errorf("presence frame has unexpected fields")
		}
	case ChatFrameAck:
		if f.MessageID == "" {
			return fmt.Errorf("ack frame missing messageId")
		}
		if f.SenderID != "" || f.RecipientID != "" || f.Content != "" || len(f.Users) != 0 || f.Code != "" || f.Message != "" {
			return fmt.Errorf("ack frame has unexpected fields")
		}
	case ChatFrameError:
		if f.Code == "" {
			return fmt.Errorf("error frame missing code")
		}
		if f.SenderID != "" || f.RecipientID != "" || f.Content != "" || len(f.Users) != 0 {
			return fmt.Errorf("error frame has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported chat frame type %q", f.Type)
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
