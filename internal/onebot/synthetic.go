package onebot

import (
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MessageSentFromCall turns a send-style API call into a message_sent
// pseudo-event for persistence symmetry: the params object becomes the
// event body, tagged with self_id, a default sender and a raw_message
// rendering. messageIDRaw, when non-empty, is the raw JSON value of the
// message id reported by the API response and is attached unchanged.
// Non-send calls yield nil.
func MessageSentFromCall(call []byte, selfID int64, messageIDRaw string) ([]byte, error) {
	if !IsSendAction(Action(call)) {
		return nil, nil
	}
	params := gjson.GetBytes(call, "params")
	event := []byte("{}")
	if params.IsObject() {
		event = []byte(params.Raw)
	}

	var err error
	if event, err = sjson.SetBytes(event, "self_id", selfID); err != nil {
		return nil, err
	}
	if !gjson.GetBytes(event, "sender").Exists() {
		sender := map[string]any{"user_id": selfID, "nickname": "BS Bot Send"}
		if event, err = sjson.SetBytes(event, "sender", sender); err != nil {
			return nil, err
		}
	}
	if event, err = sjson.SetBytes(event, "post_type", "message_sent"); err != nil {
		return nil, err
	}

	segs, segErr := EventSegments(event)
	raw := ""
	if segErr == nil {
		raw = RawMessage(segs)
	}
	if event, err = sjson.SetBytes(event, "raw_message", raw); err != nil {
		return nil, err
	}

	if messageIDRaw != "" {
		if event, err = sjson.SetRawBytes(event, "message_id", []byte(messageIDRaw)); err != nil {
			return nil, err
		}
	}
	return event, nil
}

// RebootNotice builds the synthetic notice event announced to the client
// right after a proxy connection comes up, so frameworks can tell a proxy
// restart from a platform restart.
func RebootNotice(selfID int64) []byte {
	notice := []byte(`{"post_type":"notice","notice_type":"bot_reboot"}`)
	notice, _ = sjson.SetBytes(notice, "self_id", selfID)
	notice, _ = sjson.SetBytes(notice, "time", time.Now().Unix())
	return notice
}
