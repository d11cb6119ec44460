package onebot

import (
	"encoding/json"
	"testing"
)

func TestSegmentsRoundTripPreservesUnknown(t *testing.T) {
	raw := []byte(`[{"type":"text","data":{"text":"hi"}},{"type":"shake","data":{"strength":3,"extra":"x"}}]`)
	segs, err := ParseSegments(raw)
	if err != nil {
		t.Fatalf("ParseSegments: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("segment count = %d", len(segs))
	}
	if segs[1].Type != "shake" {
		t.Errorf("unknown segment type = %q", segs[1].Type)
	}

	out, err := json.Marshal(segs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var a, b any
	if err = json.Unmarshal(raw, &a); err != nil {
		t.Fatal(err)
	}
	if err = json.Unmarshal(out, &b); err != nil {
		t.Fatal(err)
	}
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	if string(aj) != string(bj) {
		t.Errorf("round trip changed payload:\n in: %s\nout: %s", aj, bj)
	}
}

func TestParseSegmentsStringMessage(t *testing.T) {
	segs, err := ParseSegments([]byte(`"hello there"`))
	if err != nil {
		t.Fatalf("ParseSegments: %v", err)
	}
	if len(segs) != 1 || segs[0].Type != "text" {
		t.Fatalf("string message not wrapped: %+v", segs)
	}
	if got := segs[0].Field("text").String(); got != "hello there" {
		t.Errorf("text = %q", got)
	}
}

func TestRawMessageRendering(t *testing.T) {
	segs := []Segment{
		Text("look "),
		At("12345"),
		ImageFile("http://x/a.png"),
		Record("v.amr"),
		Reply("77"),
		File("doc.pdf", "base64://xx"),
		{Type: "shake"},
	}
	want := "look @12345[图片][语音][回复][文件][shake]"
	if got := RawMessage(segs); got != want {
		t.Errorf("RawMessage = %q, want %q", got, want)
	}
}

func TestEventSegments(t *testing.T) {
	frame := []byte(`{"post_type":"message","message":[{"type":"text","data":{"text":"a"}}]}`)
	segs, err := EventSegments(frame)
	if err != nil {
		t.Fatalf("EventSegments: %v", err)
	}
	if len(segs) != 1 || segs[0].Field("text").String() != "a" {
		t.Errorf("segments = %+v", segs)
	}

	none, err := EventSegments([]byte(`{"post_type":"notice"}`))
	if err != nil || none != nil {
		t.Errorf("no message field should yield nil, got %v %v", none, err)
	}
}
