package onebot

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Segment is one element of a OneBot message array. Data stays raw so
// unknown segment types and extra fields serialize back verbatim.
type Segment struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Field reads a named field from the segment's data object.
func (s Segment) Field(name string) gjson.Result {
	return gjson.GetBytes(s.Data, name)
}

// ParseSegments decodes a message array. A plain-string message (CQ code
// form) is wrapped into a single text segment so callers always see the
// array form.
func ParseSegments(raw []byte) ([]Segment, error) {
	res := gjson.ParseBytes(raw)
	if res.Type == gjson.String {
		return []Segment{Text(res.String())}, nil
	}
	var segs []Segment
	if err := json.Unmarshal(raw, &segs); err != nil {
		return nil, fmt.Errorf("parse message segments: %w", err)
	}
	return segs, nil
}

// EventSegments extracts the message array of an event frame.
func EventSegments(frame []byte) ([]Segment, error) {
	msg := gjson.GetBytes(frame, "message")
	if !msg.Exists() {
		return nil, nil
	}
	return ParseSegments([]byte(msg.Raw))
}

func segData(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Text builds a text segment.
func Text(text string) Segment {
	return Segment{Type: "text", Data: segData(map[string]string{"text": text})}
}

// At builds an at-mention segment.
func At(qq string) Segment {
	return Segment{Type: "at", Data: segData(map[string]string{"qq": qq})}
}

// ImageFile builds an image segment from a file reference (URL, base64://
// or filename).
func ImageFile(file string) Segment {
	return Segment{Type: "image", Data: segData(map[string]string{"file": file})}
}

// Record builds a voice segment.
func Record(file string) Segment {
	return Segment{Type: "record", Data: segData(map[string]string{"file": file})}
}

// Reply builds a reply segment referencing a prior message id.
func Reply(id string) Segment {
	return Segment{Type: "reply", Data: segData(map[string]string{"id": id})}
}

// File builds a file segment with a display name.
func File(name, file string) Segment {
	return Segment{Type: "file", Data: segData(map[string]string{"file": file, "name": name})}
}

// RawMessage renders a segment list the way the persistence layer stores
// it: text inlined, everything else as a bracketed placeholder.
func RawMessage(segs []Segment) string {
	var out []byte
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			out = append(out, seg.Field("text").String()...)
		case "at":
			out = append(out, '@')
			out = append(out, seg.Field("qq").String()...)
		case "image":
			out = append(out, "[图片]"...)
		case "record":
			out = append(out, "[语音]"...)
		case "reply":
			out = append(out, "[回复]"...)
		case "file":
			out = append(out, "[文件]"...)
		case "node", "forward":
			out = append(out, "[合并转发]"...)
		case "markdown":
			out = append(out, seg.Field("text").String()...)
		case "buttons":
			out = append(out, "[按钮消息]"...)
		default:
			out = append(out, '[')
			out = append(out, seg.Type...)
			out = append(out, ']')
		}
	}
	return string(out)
}
