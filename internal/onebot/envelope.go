// Package onebot implements the neutral OneBot v11 envelope and message
// segment model used throughout the proxy. Frames stay as raw JSON bytes;
// classification and field access go through gjson so unknown fields and
// segment types survive a round trip verbatim.
package onebot

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Kind classifies an envelope on the wire.
type Kind int

const (
	// KindUnknown is anything that does not match the three envelope shapes.
	KindUnknown Kind = iota
	// KindEvent is a pushed event carrying post_type.
	KindEvent
	// KindAPICall is a request carrying action (+ optional echo).
	KindAPICall
	// KindAPIResponse is a reply carrying status/retcode (+ echo).
	KindAPIResponse
)

// Direction tags a persisted message row.
type Direction string

const (
	// DirectionRecv marks frames received from the chat platform.
	DirectionRecv Direction = "RECV"
	// DirectionSend marks frames the bot side sent out.
	DirectionSend Direction = "SEND"
)

// Lifecycle actions and meta events are never translated for Sakoya targets
// and are suppressed on fan-out to them.
var passthroughActions = map[string]bool{
	"get_login_info":   true,
	"get_status":       true,
	"get_version_info": true,
	"lifecycle":        true,
	"_connect":         true,
}

// IsPassthroughAction reports whether action belongs to the lifecycle set
// that Sakoya targets never receive in translated form.
func IsPassthroughAction(action string) bool {
	return passthroughActions[action]
}

// Classify inspects a raw frame and returns its envelope kind.
func Classify(frame []byte) Kind {
	if !gjson.ValidBytes(frame) {
		return KindUnknown
	}
	if gjson.GetBytes(frame, "status").Exists() || gjson.GetBytes(frame, "retcode").Exists() {
		return KindAPIResponse
	}
	if gjson.GetBytes(frame, "action").Exists() {
		return KindAPICall
	}
	if gjson.GetBytes(frame, "post_type").Exists() {
		return KindEvent
	}
	return KindUnknown
}

// Echo returns the correlation token of a frame, or "" when absent.
// Numeric echoes are normalized to their decimal string form.
func Echo(frame []byte) string {
	v := gjson.GetBytes(frame, "echo")
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	return v.String()
}

// Action returns the action field of an API call, or "".
func Action(frame []byte) string {
	return gjson.GetBytes(frame, "action").String()
}

// PostType returns the post_type field of an event, or "".
func PostType(frame []byte) string {
	return gjson.GetBytes(frame, "post_type").String()
}

// SelfID returns the self_id of a frame and whether it is present.
func SelfID(frame []byte) (int64, bool) {
	v := gjson.GetBytes(frame, "self_id")
	if !v.Exists() {
		return 0, false
	}
	return v.Int(), true
}

// IsSuccessResponse reports whether the frame is an API response with
// status "ok" and retcode 0.
func IsSuccessResponse(frame []byte) bool {
	return Classify(frame) == KindAPIResponse &&
		gjson.GetBytes(frame, "status").String() == "ok" &&
		gjson.GetBytes(frame, "retcode").Int() == 0
}

// IsSendAction reports whether action is a message-send API
// (send_private_msg, send_group_msg, send_msg, ...).
func IsSendAction(action string) bool {
	return strings.Contains(action, "send")
}

// IsSendMessageAction reports whether action sends a message payload,
// the only calls the Sakoya dialect can express.
func IsSendMessageAction(action string) bool {
	return strings.Contains(action, "send") && strings.Contains(action, "_msg")
}

// SkipForSakoya reports whether a client frame must not be delivered to
// Sakoya targets: meta events and the lifecycle pass-through actions.
func SkipForSakoya(frame []byte) bool {
	if PostType(frame) == "meta_event" {
		return true
	}
	return IsPassthroughAction(Action(frame))
}

// CoerceInt converts a digit-only string id to its integer value, returning
// 0 for anything else. It is only applied when the proxy synthesizes OneBot
// API calls itself; observed frames keep their original number shape.
func CoerceInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
