package sakoya

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/botswitch/botswitch/internal/onebot"
)

// EventToReceive converts a OneBot message event into Sakoya MessageReceive
// bytes. Only post_type == "message" translates; everything else yields nil.
// Images prefer the url field over file; unknown segment kinds degrade to
// text. When the event carries a materialized reply object, its images are
// appended to the content in structured {type,content} form.
func EventToReceive(event []byte, botID string) ([]byte, error) {
	if onebot.PostType(event) != "message" {
		return nil, nil
	}
	isGroup := gjson.GetBytes(event, "message_type").String() == "group"

	segs, err := onebot.EventSegments(event)
	if err != nil {
		return nil, err
	}

	content := make([]Segment, 0, len(segs))
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			content = append(content, Segment{Type: "text", Data: seg.Field("text").String()})
		case "at":
			content = append(content, Segment{Type: "at", Data: seg.Field("qq").String()})
		case "image":
			src := seg.Field("url").String()
			if src == "" {
				src = seg.Field("file").String()
			}
			content = append(content, Segment{Type: "image", Data: src})
		case "record":
			content = append(content, Segment{Type: "record", Data: seg.Field("file").String()})
		case "reply":
			content = append(content, Segment{Type: "reply", Data: seg.Field("id").String()})
		default:
			content = append(content, Segment{Type: "text", Data: string(seg.Data)})
		}
	}

	// Reply context supplied inline by implementations like NapCat: append
	// the referenced message's images so the Sakoya backend sees them.
	gjson.GetBytes(event, "reply.message").ForEach(func(_, seg gjson.Result) bool {
		if seg.Get("type").String() != "image" {
			return true
		}
		file := seg.Get("data.file").String()
		if file == "" {
			return true
		}
		var img ImageData
		switch {
		case strings.HasPrefix(file, "base64://"):
			img = ImageData{Type: "b64", Content: strings.TrimPrefix(file, "base64://")}
		case strings.HasPrefix(file, "http"):
			img = ImageData{Type: "url", Content: file}
		default:
			img = ImageData{Type: "file", Content: file}
		}
		content = append(content, Segment{Type: "image", Data: map[string]any{"type": img.Type, "content": img.Content}})
		return true
	})

	sender := gjson.GetBytes(event, "sender")
	recv := MessageReceive{
		BotID:     botID,
		BotSelfID: gjson.GetBytes(event, "self_id").String(),
		MsgID:     gjson.GetBytes(event, "message_id").String(),
		UserType:  "direct",
		UserID:    gjson.GetBytes(event, "user_id").String(),
		Sender: map[string]any{
			"nickname": sender.Get("nickname").String(),
			"card":     sender.Get("card").String(),
		},
		UserPM:  3,
		Content: content,
	}
	if isGroup {
		recv.UserType = "group"
		recv.GroupID = gjson.GetBytes(event, "group_id").String()
	}
	return marshalNoEscape(recv)
}

// SendToAPICall converts a Sakoya MessageSend into a OneBot send API call
// with a fresh echo. An empty segment list is padded with one empty text
// segment because downstream frameworks reject empty messages.
func SendToAPICall(msg MessageSend) ([]byte, error) {
	segments := make([]map[string]any, 0, len(msg.Content))
	for _, seg := range msg.Content {
		switch seg.Type {
		case "text", "markdown":
			segments = append(segments, obSeg("text", map[string]any{"text": seg.Str()}))
		case "at":
			segments = append(segments, obSeg("at", map[string]any{"qq": seg.Str()}))
		case "image":
			img, ok := seg.Image()
			if !ok {
				if s := seg.Str(); s != "" {
					segments = append(segments, obSeg("image", map[string]any{"file": s}))
				}
				continue
			}
			file := img.Content
			if img.Type == "b64" && !strings.HasPrefix(file, "base64://") {
				file = "base64://" + file
			}
			segments = append(segments, obSeg("image", map[string]any{"file": file}))
		case "reply":
			segments = append(segments, obSeg("reply", map[string]any{"id": seg.Str()}))
		case "record":
			segments = append(segments, obSeg("record", map[string]any{"file": seg.Str()}))
		case "file":
			name, b64, ok := splitFileData(seg.Str())
			if ok {
				segments = append(segments, obSeg("file", map[string]any{"file": "base64://" + b64, "name": name}))
			}
		default:
			if strings.HasPrefix(seg.Type, "log_") {
				continue // log output for the framework console, never delivered
			}
			if s := seg.Str(); s != "" {
				segments = append(segments, obSeg("text", map[string]any{"text": s}))
			}
		}
	}
	if len(segments) == 0 {
		segments = append(segments, obSeg("text", map[string]any{"text": ""}))
	}

	call := map[string]any{
		"echo": strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	if msg.TargetType == "group" {
		call["action"] = "send_group_msg"
		call["params"] = map[string]any{
			"group_id": onebot.CoerceInt(msg.TargetID),
			"message":  segments,
		}
	} else {
		call["action"] = "send_private_msg"
		call["params"] = map[string]any{
			"user_id": onebot.CoerceInt(msg.TargetID),
			"message": segments,
		}
	}
	return marshalNoEscape(call)
}

// APICallToSend converts a OneBot send API call into Sakoya MessageSend
// bytes: the inverse of SendToAPICall. Unsupported segment kinds degrade
// to text.
func APICallToSend(call []byte) ([]byte, error) {
	params := gjson.GetBytes(call, "params")

	isGroup := params.Get("message_type").String() == "group" ||
		onebot.Action(call) == "send_group_msg" ||
		params.Get("group_id").Exists()

	targetType, targetID := "direct", params.Get("user_id").String()
	if isGroup {
		targetType, targetID = "group", params.Get("group_id").String()
	}

	segs, err := onebot.ParseSegments([]byte(params.Get("message").Raw))
	if err != nil {
		return nil, err
	}

	content := make([]Segment, 0, len(segs))
	for _, seg := range segs {
		switch seg.Type {
		case "text":
			content = append(content, Segment{Type: "text", Data: seg.Field("text").String()})
		case "at":
			content = append(content, Segment{Type: "at", Data: seg.Field("qq").String()})
		case "image":
			file := seg.Field("file").String()
			var img map[string]any
			switch {
			case strings.HasPrefix(file, "base64://"):
				img = map[string]any{"type": "b64", "content": strings.TrimPrefix(file, "base64://")}
			case strings.HasPrefix(file, "http"):
				img = map[string]any{"type": "url", "content": file}
			default:
				img = map[string]any{"type": "file", "content": file}
			}
			content = append(content, Segment{Type: "image", Data: img})
		case "record":
			content = append(content, Segment{Type: "record", Data: seg.Field("file").String()})
		case "file":
			file := seg.Field("file").String()
			name := seg.Field("name").String()
			if name == "" {
				name = "unknown"
			}
			if strings.HasPrefix(file, "base64://") {
				content = append(content, Segment{Type: "file", Data: name + "|" + strings.TrimPrefix(file, "base64://")})
			} else {
				content = append(content, Segment{Type: "text", Data: "[文件: " + name + "]"})
			}
		case "reply":
			content = append(content, Segment{Type: "reply", Data: seg.Field("id").String()})
		case "forward", "node":
			content = append(content, Segment{Type: "text", Data: "[合并转发消息暂不支持]"})
		default:
			content = append(content, Segment{Type: "text", Data: string(seg.Data)})
		}
	}

	send := MessageSend{
		BotID:      "Bot",
		BotSelfID:  gjson.GetBytes(call, "self_id").String(),
		TargetType: targetType,
		TargetID:   targetID,
		Content:    content,
	}
	return marshalNoEscape(send)
}

// ReceiveToEvent converts a Sakoya MessageReceive into a OneBot message
// event: the inverse of EventToReceive. Digit-shaped ids become JSON
// numbers because the event is synthesized by the proxy itself.
func ReceiveToEvent(msg MessageReceive) ([]byte, error) {
	isGroup := msg.UserType == "group"

	segments := make([]map[string]any, 0, len(msg.Content))
	var rawParts []string
	for _, seg := range msg.Content {
		switch seg.Type {
		case "text", "markdown":
			text := seg.Str()
			segments = append(segments, obSeg("text", map[string]any{"text": text}))
			rawParts = append(rawParts, text)
		case "at":
			id := seg.Str()
			segments = append(segments, obSeg("at", map[string]any{"qq": id}))
			rawParts = append(rawParts, "@"+id)
		case "image":
			img, ok := seg.Image()
			if !ok {
				rawParts = append(rawParts, "[图片]")
				continue
			}
			file := img.Content
			if img.Type == "b64" && !strings.HasPrefix(file, "base64://") {
				file = "base64://" + file
			}
			segments = append(segments, obSeg("image", map[string]any{"file": file}))
			rawParts = append(rawParts, "[图片]")
		case "reply":
			segments = append(segments, obSeg("reply", map[string]any{"id": seg.Str()}))
			rawParts = append(rawParts, "[回复]")
		case "record":
			segments = append(segments, obSeg("record", map[string]any{"file": seg.Str()}))
			rawParts = append(rawParts, "[语音]")
		case "file":
			name, b64, ok := splitFileData(seg.Str())
			if ok {
				segments = append(segments, obSeg("file", map[string]any{"file": "base64://" + b64, "name": name}))
			}
			rawParts = append(rawParts, "[文件]")
		case "buttons":
			rawParts = append(rawParts, "[按钮消息]")
		default:
			if s := seg.Str(); s != "" {
				rawParts = append(rawParts, s)
			}
		}
	}

	sender := msg.Sender
	if sender == nil {
		sender = map[string]any{}
	}
	obSender := map[string]any{
		"user_id":  onebot.CoerceInt(msg.UserID),
		"nickname": strOr(sender, "nickname", ""),
		"card":     strOr(sender, "card", ""),
		"sex":      strOr(sender, "sex", "unknown"),
		"role":     strOr(sender, "role", "member"),
	}

	event := map[string]any{
		"post_type":   "message",
		"message_id":  onebot.CoerceInt(msg.MsgID),
		"user_id":     onebot.CoerceInt(msg.UserID),
		"self_id":     onebot.CoerceInt(msg.BotSelfID),
		"raw_message": strings.Join(rawParts, ""),
		"message":     segments,
		"sender":      obSender,
		"font":        0,
		"time":        0,
	}
	if isGroup {
		event["message_type"] = "group"
		event["sub_type"] = "normal"
		event["group_id"] = onebot.CoerceInt(msg.GroupID)
	} else {
		event["message_type"] = "private"
		event["sub_type"] = "friend"
	}
	return marshalNoEscape(event)
}

func obSeg(typ string, data map[string]any) map[string]any {
	return map[string]any{"type": typ, "data": data}
}

// splitFileData splits the Sakoya "<name>|<base64>" file form.
func splitFileData(s string) (name, b64 string, ok bool) {
	i := strings.Index(s, "|")
	if i < 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func strOr(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}
