package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	MessageHeaderDefaultUsername = "username"
	ProtocolVersion              = "5.3"

	// JavascriptISOString is the date format used in message headers.
	JavascriptISOString = "2006-01-02T15:04:05.999Z07:00"

	MessageTypeStatus            = "status"
	MessageTypeKernelInfoRequest = "kernel_info_request"
	MessageTypeKernelInfoReply   = "kernel_info_reply"
	MessageTypeInterruptRequest  = "interrupt_request"
	MessageTypeInterruptReply    = "interrupt_reply"
	MessageTypeShutdownRequest   = "shutdown_request"
	MessageTypeShutdownReply     = "shutdown_reply"
)

type MessageHeader struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is a decoded Jupyter message.
type Message struct {
	// Identities are the zmq routing frames that precede the "<IDS|MSG>" delimiter.
	Identities [][]byte

	Header       MessageHeader
	ParentHeader *MessageHeader
	Metadata     map[string]interface{}
	Content      json.RawMessage
	Buffers      [][]byte
}

// NewMessage creates a message of the given type for the given session.
func NewMessage(msgType string, session string, content interface{}) (*Message, error) {
	if content == nil {
		content = map[string]interface{}{}
	}

	encoded, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}

	return &Message{
		Header: MessageHeader{
			MsgID:    uuid.NewString(),
			Username: MessageHeaderDefaultUsername,
			Session:  session,
			Date:     time.Now().UTC().Format(JavascriptISOString),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Metadata: map[string]interface{}{},
		Content:  encoded,
	}, nil
}

// NewReply creates a reply to the given request. The reply is routed back to the request's identities.
func NewReply(request *Message, msgType string, content interface{}) (*Message, error) {
	reply, err := NewMessage(msgType, request.Header.Session, content)
	if err != nil {
		return nil, err
	}

	parent := request.Header
	reply.ParentHeader = &parent
	reply.Identities = request.Identities
	return reply, nil
}

// MsgType returns the type of the message.
func (m *Message) MsgType() string {
	return m.Header.MsgType
}

// ParentMsgID returns the msg_id of the request this message responds to, or "" if there is none.
func (m *Message) ParentMsgID() string {
	if m.ParentHeader == nil {
		return ""
	}
	return m.ParentHeader.MsgID
}

// DecodeContent unmarshals the content of the message into out.
func (m *Message) DecodeContent(out interface{}) error {
	if len(m.Content) == 0 {
		return json.Unmarshal(JupyterFrameEmpty, out)
	}
	return json.Unmarshal(m.Content, out)
}

// Encode serializes the message into signed zmq frames.
func (m *Message) Encode(signatureScheme string, key []byte) ([][]byte, error) {
	frames := NewJupyterFrames()
	if err := frames.EncodeHeader(&m.Header); err != nil {
		return nil, err
	}

	if m.ParentHeader != nil {
		if err := frames.EncodeParentHeader(m.ParentHeader); err != nil {
			return nil, err
		}
	}

	if m.Metadata != nil {
		if err := frames.EncodeMetadata(m.Metadata); err != nil {
			return nil, err
		}
	}

	if len(m.Content) > 0 {
		frames[JupyterFrameContent] = m.Content
	}

	if err := frames.Sign(signatureScheme, key); err != nil {
		return nil, err
	}

	raw := make([][]byte, 0, len(m.Identities)+len(frames)+len(m.Buffers))
	raw = append(raw, m.Identities...)
	raw = append(raw, frames...)
	raw = append(raw, m.Buffers...)
	return raw, nil
}

// Decode verifies and parses raw zmq frames into a Message.
func Decode(raw [][]byte, signatureScheme string, key []byte) (*Message, error) {
	identities, frames, err := SplitFrames(raw)
	if err != nil {
		return nil, err
	}

	if err = frames.Verify(signatureScheme, key); err != nil {
		return nil, err
	}

	msg := &Message{Identities: identities, Buffers: frames.Buffers()}
	if err = frames.DecodeHeader(&msg.Header); err != nil {
		return nil, ErrInvalidJupyterMessage
	}

	var parent MessageHeader
	if err = frames.DecodeParentHeader(&parent); err == nil && parent.MsgID != "" {
		msg.ParentHeader = &parent
	}

	if err = frames.DecodeMetadata(&msg.Metadata); err != nil {
		return nil, ErrInvalidJupyterMessage
	}

	msg.Content = json.RawMessage(frames[JupyterFrameContent])
	return msg, nil
}
