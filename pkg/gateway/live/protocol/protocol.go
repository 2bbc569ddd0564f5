// Package protocol defines the JSON frames exchanged with browser clients on
// the live relay socket.
//
// Client to relay, one object per frame (text or binary, both carry JSON):
//
//	{"text"?: string, "audio"?: {"mimeType","data"}, "video"?: {"mimeType","data"}}
//
// Relay to client: either {"error": string} or an upstream message serialized
// verbatim.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Client-visible error messages.
const (
	MsgNotReady     = "Gemini session not ready."
	MsgRateLimited  = "Rate limit exceeded."
	MsgShuttingDown = "Relay is shutting down."

	prefixInitFailed    = "Failed to initialize Gemini session: "
	prefixSessionError  = "Gemini Session Error: "
	prefixInvalidFormat = "Invalid message format: "
	prefixSendFailed    = "Failed to send to Gemini: "
)

type InlineMedia struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Bytes decodes the base64 payload. Padded and unpadded standard encodings are accepted.
func (m InlineMedia) Bytes() ([]byte, error) {
	data := strings.TrimSpace(m.Data)
	if out, err := base64.StdEncoding.DecodeString(data); err == nil {
		return out, nil
	}
	out, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return out, nil
}

type ClientFrame struct {
	Text  string       `json:"text,omitempty"`
	Audio *InlineMedia `json:"audio,omitempty"`
	Video *InlineMedia `json:"video,omitempty"`
}

// Empty reports whether the frame carries nothing to forward.
func (f ClientFrame) Empty() bool {
	return f.Text == "" && f.Audio == nil && f.Video == nil
}

type DecodeError struct {
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Message: message, Param: param}
}

// DecodeClientFrame parses one client frame. Unknown fields are ignored.
// Valid JSON that is not an object (a number, string, array or bool) has no
// recognized fields and decodes to an empty ClientFrame, as does an object
// without text, audio or video. Invalid JSON and null are rejected.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return ClientFrame{}, badFrame("empty frame", "")
	}

	var raw json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return ClientFrame{}, badFrame(fmt.Sprintf("invalid json frame: %v", err), "")
	}
	switch trimmed[0] {
	case '{':
	case 'n':
		return ClientFrame{}, badFrame("frame must not be null", "")
	default:
		return ClientFrame{}, nil
	}

	var frame ClientFrame
	if err := json.Unmarshal(trimmed, &frame); err != nil {
		return ClientFrame{}, badFrame(fmt.Sprintf("invalid json frame: %v", err), "")
	}
	if err := validateMedia(frame.Audio, "audio"); err != nil {
		return ClientFrame{}, err
	}
	if err := validateMedia(frame.Video, "video"); err != nil {
		return ClientFrame{}, err
	}
	return frame, nil
}

func validateMedia(m *InlineMedia, field string) error {
	if m == nil {
		return nil
	}
	if strings.TrimSpace(m.MIMEType) == "" {
		return badFrame(field+".mimeType is required", field+".mimeType")
	}
	if strings.TrimSpace(m.Data) == "" {
		return badFrame(field+".data is required", field+".data")
	}
	return nil
}

type ErrorFrame struct {
	Error string `json:"error"`
}

func NotReady() ErrorFrame { return ErrorFrame{Error: MsgNotReady} }

func RateLimited() ErrorFrame { return ErrorFrame{Error: MsgRateLimited} }

func ShuttingDown() ErrorFrame { return ErrorFrame{Error: MsgShuttingDown} }

func InitFailed(err error) ErrorFrame { return ErrorFrame{Error: prefixInitFailed + errText(err)} }

func SessionError(err error) ErrorFrame { return ErrorFrame{Error: prefixSessionError + errText(err)} }

func InvalidFormat(err error) ErrorFrame { return ErrorFrame{Error: prefixInvalidFormat + errText(err)} }

func SendFailed(err error) ErrorFrame { return ErrorFrame{Error: prefixSendFailed + errText(err)} }

// IsErrorFrame reports whether a server frame is an error frame rather than
// upstream content. Clients must render these distinctly.
func IsErrorFrame(data []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	_, ok := fields["error"]
	return ok
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
