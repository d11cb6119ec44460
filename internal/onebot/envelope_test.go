package onebot

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Kind
	}{
		{"event", `{"post_type":"message","message_type":"group"}`, KindEvent},
		{"meta event", `{"post_type":"meta_event","meta_event_type":"heartbeat"}`, KindEvent},
		{"api call", `{"action":"send_group_msg","params":{},"echo":"a1"}`, KindAPICall},
		{"api response", `{"status":"ok","retcode":0,"data":{},"echo":"a1"}`, KindAPIResponse},
		{"failed response", `{"status":"failed","retcode":100,"echo":"a1"}`, KindAPIResponse},
		{"garbage", `not json`, KindUnknown},
		{"bare object", `{"foo":1}`, KindUnknown},
	}
	for _, tt := range tests {
		if got := Classify([]byte(tt.frame)); got != tt.want {
			t.Errorf("%s: Classify = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestEchoNormalizesNumbers(t *testing.T) {
	if got := Echo([]byte(`{"echo":"a1"}`)); got != "a1" {
		t.Errorf("string echo = %q", got)
	}
	if got := Echo([]byte(`{"echo":42}`)); got != "42" {
		t.Errorf("numeric echo = %q, want 42", got)
	}
	if got := Echo([]byte(`{"action":"x"}`)); got != "" {
		t.Errorf("missing echo = %q, want empty", got)
	}
	if got := Echo([]byte(`{"echo":null}`)); got != "" {
		t.Errorf("null echo = %q, want empty", got)
	}
}

func TestIsSuccessResponse(t *testing.T) {
	if !IsSuccessResponse([]byte(`{"status":"ok","retcode":0,"echo":"e"}`)) {
		t.Error("ok/0 should be success")
	}
	if IsSuccessResponse([]byte(`{"status":"failed","retcode":1400,"echo":"e"}`)) {
		t.Error("failed response must not be success")
	}
	if IsSuccessResponse([]byte(`{"post_type":"message"}`)) {
		t.Error("events are never success responses")
	}
}

func TestSkipForSakoya(t *testing.T) {
	skip := [][]byte{
		[]byte(`{"post_type":"meta_event","meta_event_type":"heartbeat"}`),
		[]byte(`{"action":"get_login_info","echo":"x"}`),
		[]byte(`{"action":"lifecycle"}`),
		[]byte(`{"action":"_connect"}`),
	}
	for _, f := range skip {
		if !SkipForSakoya(f) {
			t.Errorf("SkipForSakoya(%s) = false, want true", f)
		}
	}
	keep := [][]byte{
		[]byte(`{"post_type":"message","message_type":"group"}`),
		[]byte(`{"action":"send_group_msg","params":{}}`),
	}
	for _, f := range keep {
		if SkipForSakoya(f) {
			t.Errorf("SkipForSakoya(%s) = true, want false", f)
		}
	}
}

func TestMessageSentFromCall(t *testing.T) {
	call := []byte(`{"action":"send_group_msg","params":{"group_id":42,"message":[{"type":"text","data":{"text":"hi"}},{"type":"image","data":{"file":"a.png"}}]},"echo":"e1"}`)
	event, err := MessageSentFromCall(call, 10001, "99")
	if err != nil {
		t.Fatalf("MessageSentFromCall: %v", err)
	}
	if got := gjson.GetBytes(event, "post_type").String(); got != "message_sent" {
		t.Errorf("post_type = %q", got)
	}
	if got := gjson.GetBytes(event, "self_id").Int(); got != 10001 {
		t.Errorf("self_id = %d", got)
	}
	if got := gjson.GetBytes(event, "group_id").Int(); got != 42 {
		t.Errorf("group_id = %d", got)
	}
	if got := gjson.GetBytes(event, "sender.nickname").String(); got != "BS Bot Send" {
		t.Errorf("default sender nickname = %q", got)
	}
	if got := gjson.GetBytes(event, "raw_message").String(); got != "hi[图片]" {
		t.Errorf("raw_message = %q", got)
	}
	if got := gjson.GetBytes(event, "message_id").Raw; got != "99" {
		t.Errorf("message_id raw = %q", got)
	}
}

func TestMessageSentFromCallNonSend(t *testing.T) {
	event, err := MessageSentFromCall([]byte(`{"action":"get_group_list","echo":"e"}`), 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != nil {
		t.Errorf("non-send call should yield nil, got %s", event)
	}
}

func TestRebootNotice(t *testing.T) {
	notice := RebootNotice(777)
	if got := gjson.GetBytes(notice, "notice_type").String(); got != "bot_reboot" {
		t.Errorf("notice_type = %q", got)
	}
	if got := gjson.GetBytes(notice, "self_id").Int(); got != 777 {
		t.Errorf("self_id = %d", got)
	}
}
