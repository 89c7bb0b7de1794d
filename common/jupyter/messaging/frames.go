package messaging

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	JupyterSignatureScheme = "hmac-sha256"
)

// Offsets of the frames of a Jupyter message, relative to the "<IDS|MSG>" delimiter.
const (
	JupyterFrameStart int = iota
	JupyterFrameSignature
	JupyterFrameHeader
	JupyterFrameParentHeader
	JupyterFrameMetadata
	JupyterFrameContent
	JupyterFrameBuffers
)

var (
	JupyterFrameIDSMSG = []byte("<IDS|MSG>")
	JupyterFrameEmpty  = []byte("{}")

	ErrInvalidJupyterMessage       = fmt.Errorf("invalid jupyter message")
	ErrNotSupportedSignatureScheme = fmt.Errorf("not supported signature scheme")
	ErrInvalidJupyterSignature     = fmt.Errorf("invalid jupyter signature")
)

// JupyterFrames are the frames of a Jupyter message starting at the "<IDS|MSG>" delimiter.
// 0: <IDS|MSG>, 1: Signature, 2: Header, 3: ParentHeader, 4: Metadata, 5: Content[, 6...: Buffers]
type JupyterFrames [][]byte

// NewJupyterFrames returns frames whose header, parent header, metadata and content are all "{}".
func NewJupyterFrames() JupyterFrames {
	frames := make(JupyterFrames, JupyterFrameContent+1)
	frames[JupyterFrameStart] = JupyterFrameIDSMSG
	frames[JupyterFrameSignature] = []byte{}
	frames[JupyterFrameHeader] = JupyterFrameEmpty
	frames[JupyterFrameParentHeader] = JupyterFrameEmpty
	frames[JupyterFrameMetadata] = JupyterFrameEmpty
	frames[JupyterFrameContent] = JupyterFrameEmpty
	return frames
}

// SplitFrames splits a raw zmq multipart message into the routing identities and the Jupyter frames.
func SplitFrames(raw [][]byte) (identities [][]byte, frames JupyterFrames, err error) {
	for i, frame := range raw {
		if bytes.Equal(frame, JupyterFrameIDSMSG) {
			frames = raw[i:]
			if err = frames.Validate(); err != nil {
				return nil, nil, err
			}
			return raw[:i], frames, nil
		}
	}

	return nil, nil, ErrInvalidJupyterMessage
}

func (frames JupyterFrames) Validate() error {
	if len(frames) <= JupyterFrameContent {
		return ErrInvalidJupyterMessage
	}
	return nil
}

// Sign computes the signature of the frames and stores it, hex-encoded, in the signature frame.
//
// An empty key disables signing, in which case the signature frame is left empty.
func (frames JupyterFrames) Sign(signatureScheme string, key []byte) error {
	if len(key) == 0 {
		frames[JupyterFrameSignature] = []byte{}
		return nil
	}

	if signatureScheme != JupyterSignatureScheme {
		return ErrNotSupportedSignatureScheme
	}

	signature := frames.sign(key)
	encoded := make([]byte, hex.EncodedLen(len(signature)))
	hex.Encode(encoded, signature)
	frames[JupyterFrameSignature] = encoded
	return nil
}

// Verify checks the signature frame against the frames' content.
func (frames JupyterFrames) Verify(signatureScheme string, key []byte) error {
	if err := frames.Validate(); err != nil {
		return err
	}

	if len(key) == 0 {
		return nil
	} else if signatureScheme != JupyterSignatureScheme {
		return ErrNotSupportedSignatureScheme
	}

	signature := make([]byte, hex.DecodedLen(len(frames[JupyterFrameSignature])))
	if _, err := hex.Decode(signature, frames[JupyterFrameSignature]); err != nil {
		return ErrInvalidJupyterSignature
	}

	if !hmac.Equal(frames.sign(key), signature) {
		return ErrInvalidJupyterSignature
	}
	return nil
}

func (frames JupyterFrames) EncodeHeader(in any) (err error) {
	frames[JupyterFrameHeader], err = json.Marshal(in)
	return err
}

func (frames JupyterFrames) DecodeHeader(out any) error {
	return json.Unmarshal(frames[JupyterFrameHeader], out)
}

func (frames JupyterFrames) EncodeParentHeader(in any) (err error) {
	frames[JupyterFrameParentHeader], err = json.Marshal(in)
	return err
}

func (frames JupyterFrames) DecodeParentHeader(out any) error {
	return json.Unmarshal(frames[JupyterFrameParentHeader], out)
}

func (frames JupyterFrames) EncodeMetadata(in any) (err error) {
	frames[JupyterFrameMetadata], err = json.Marshal(in)
	return err
}

func (frames JupyterFrames) DecodeMetadata(out any) error {
	return json.Unmarshal(frames[JupyterFrameMetadata], out)
}

func (frames JupyterFrames) EncodeContent(in any) (err error) {
	frames[JupyterFrameContent], err = json.Marshal(in)
	return err
}

func (frames JupyterFrames) DecodeContent(out any) error {
	return json.Unmarshal(frames[JupyterFrameContent], out)
}

// Buffers returns the binary buffers that trail the content frame, if any.
func (frames JupyterFrames) Buffers() [][]byte {
	if len(frames) > JupyterFrameBuffers {
		return frames[JupyterFrameBuffers:]
	}
	return nil
}

func (frames JupyterFrames) String() string {
	if len(frames) == 0 {
		return "[]"
	}

	var sb bytes.Buffer
	sb.WriteString("[")
	for i, frame := range frames {
		sb.WriteString("\"")
		sb.Write(frame)
		sb.WriteString("\"")

		if i+1 < len(frames) {
			sb.WriteString(", ")
		}
	}
	sb.WriteString("]")

	return sb.String()
}

func (frames JupyterFrames) sign(signkey []byte) []byte {
	mac := hmac.New(sha256.New, signkey)
	for _, msgpart := range frames[JupyterFrameHeader : JupyterFrameContent+1] {
		mac.Write(msgpart)
	}
	return mac.Sum(nil)
}
