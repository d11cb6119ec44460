// Package sakoya implements the Sakoya wire dialect spoken by one family of
// downstream frameworks, and the bidirectional conversion between Sakoya
// messages and OneBot v11 envelopes.
package sakoya

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Segment is a Sakoya message segment. Data is dynamically typed on the
// wire: plain strings for text/at/reply/record, a {type,content} object or
// a bare string for images, and "<name>|<base64>" strings for files.
type Segment struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ImageData is the structured image payload form.
type ImageData struct {
	// Type is one of "url", "b64" or "file".
	Type string `json:"type"`
	// Content is the URL, raw base64 or file reference.
	Content string `json:"content"`
}

// Image extracts the image payload of a segment. ok is false when the data
// shape is neither the structured object nor a recognizable string; callers
// degrade to text rather than silently coercing.
func (s Segment) Image() (ImageData, bool) {
	switch d := s.Data.(type) {
	case map[string]any:
		t, _ := d["type"].(string)
		c, _ := d["content"].(string)
		if t == "" {
			return ImageData{}, false
		}
		return ImageData{Type: t, Content: c}, true
	case string:
		switch {
		case strings.HasPrefix(d, "base64://"):
			return ImageData{Type: "b64", Content: strings.TrimPrefix(d, "base64://")}, true
		case strings.HasPrefix(d, "http"):
			return ImageData{Type: "url", Content: d}, true
		default:
			return ImageData{Type: "file", Content: d}, true
		}
	default:
		return ImageData{}, false
	}
}

// Str returns the segment data as a string, rendering non-strings through
// fmt for the text-fallback paths.
func (s Segment) Str() string {
	if s.Data == nil {
		return ""
	}
	if str, ok := s.Data.(string); ok {
		return str
	}
	return fmt.Sprintf("%v", s.Data)
}

// MessageReceive is a message pushed to a Sakoya framework.
type MessageReceive struct {
	BotID     string         `json:"bot_id"`
	BotSelfID string         `json:"bot_self_id"`
	MsgID     string         `json:"msg_id"`
	UserType  string         `json:"user_type"`
	GroupID   string         `json:"group_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Sender    map[string]any `json:"sender"`
	UserPM    int            `json:"user_pm"`
	Content   []Segment      `json:"content"`
}

// MessageSend is a message a Sakoya framework asks the proxy to deliver.
type MessageSend struct {
	BotID      string    `json:"bot_id"`
	BotSelfID  string    `json:"bot_self_id"`
	MsgID      string    `json:"msg_id"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Content    []Segment `json:"content"`
}

// DecodeMessageSend strictly decodes raw as a MessageSend. Unknown fields
// fail the decode, which is how sends are told apart from MessageReceive
// shapes carrying user_type/user_pm. A decoded send without a target is
// rejected too.
func DecodeMessageSend(raw []byte) (MessageSend, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var msg MessageSend
	if err := dec.Decode(&msg); err != nil {
		return MessageSend{}, err
	}
	if msg.TargetID == "" && msg.TargetType == "" {
		return MessageSend{}, fmt.Errorf("sakoya send without target")
	}
	return msg, nil
}

// IsMessageReceiveShape reports whether generic JSON carries the bot_id +
// content pair that identifies a MessageReceive.
func IsMessageReceiveShape(raw []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	_, hasBot := probe["bot_id"]
	_, hasContent := probe["content"]
	return hasBot && hasContent
}

// marshalNoEscape encodes v as UTF-8 JSON without HTML escaping so
// non-ASCII text crosses the wire unmangled.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
