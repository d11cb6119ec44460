package proxy

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/botswitch/botswitch/internal/onebot"
	"github.com/botswitch/botswitch/internal/sakoya"
	"github.com/botswitch/botswitch/internal/util"
)

const replyCacheLimit = 100

// SakoyaSession translates between OneBot v11 frames and the Sakoya wire
// dialect on top of a raw session. Frames the dialect cannot express pass
// through untranslated.
type SakoyaSession struct {
	inner TargetSession
	botID string

	mu         sync.Mutex
	replySegs  map[string][]onebot.Segment
	replyOrder []string
}

func NewSakoyaSession(inner TargetSession, botID string) *SakoyaSession {
	return &SakoyaSession{
		inner:     inner,
		botID:     botID,
		replySegs: map[string][]onebot.Segment{},
	}
}

func (s *SakoyaSession) Send(frame []byte) error {
	if !gjson.ValidBytes(frame) {
		return s.inner.Send(frame)
	}

	switch onebot.Classify(frame) {
	case onebot.KindAPIResponse:
		return s.inner.Send(frame)
	case onebot.KindEvent:
		if onebot.PostType(frame) == "meta_event" {
			return nil
		}
		if onebot.PostType(frame) != "message" {
			return s.inner.Send(frame)
		}
		enriched := s.enrichReply(frame)
		out, err := sakoya.EventToReceive(enriched, s.botID)
		if err != nil || out == nil {
			log.Warnf("[sakoya] message event translation failed: %v", err)
			return s.inner.Send(frame)
		}
		return s.inner.Send(out)
	case onebot.KindAPICall:
		action := onebot.Action(frame)
		if onebot.IsPassthroughAction(action) {
			return s.inner.Send(frame)
		}
		if !onebot.IsSendMessageAction(action) {
			return s.inner.Send(frame)
		}
		out, err := sakoya.APICallToSend(frame)
		if err != nil {
			log.Warnf("[sakoya] send call translation failed: %v", err)
			return s.inner.Send(frame)
		}
		return s.inner.Send(out)
	default:
		return s.inner.Send(frame)
	}
}

func (s *SakoyaSession) Recv() ([]byte, error) {
	raw, err := s.inner.Recv()
	if err != nil {
		return nil, err
	}

	if msg, err := sakoya.DecodeMessageSend(raw); err == nil {
		out, err := sakoya.SendToAPICall(msg)
		if err != nil {
			log.Errorf("[sakoya] send translation failed: %v, frame: %s", err, util.Truncate(string(raw), 200))
			return raw, nil
		}
		return out, nil
	}

	if sakoya.IsMessageReceiveShape(raw) {
		var msg sakoya.MessageReceive
		if err := json.Unmarshal(raw, &msg); err == nil {
			out, convErr := sakoya.ReceiveToEvent(msg)
			if convErr == nil {
				return out, nil
			}
			log.Errorf("[sakoya] receive translation failed: %v", convErr)
		}
	}
	return raw, nil
}

func (s *SakoyaSession) Close() error {
	return s.inner.Close()
}

// enrichReply remembers every message by id and, when the current message
// quotes an earlier one, moves the quoted images to the front of the
// message and drops the reply segment. The Sakoya side cannot resolve
// message ids itself.
func (s *SakoyaSession) enrichReply(event []byte) []byte {
	segs, err := onebot.EventSegments(event)
	if err != nil {
		return event
	}

	messageID := gjson.GetBytes(event, "message_id").String()

	s.mu.Lock()
	if messageID != "" {
		if _, exists := s.replySegs[messageID]; !exists {
			s.replyOrder = append(s.replyOrder, messageID)
			if len(s.replyOrder) > replyCacheLimit {
				delete(s.replySegs, s.replyOrder[0])
				s.replyOrder = s.replyOrder[1:]
			}
		}
		s.replySegs[messageID] = segs
	}

	var replyID string
	for _, seg := range segs {
		if seg.Type == "reply" {
			replyID = seg.Field("id").String()
			break
		}
	}
	var quoted []onebot.Segment
	if replyID != "" {
		quoted = s.replySegs[replyID]
	}
	s.mu.Unlock()

	if replyID == "" || quoted == nil {
		return event
	}

	var images []onebot.Segment
	for _, seg := range quoted {
		if seg.Type != "image" {
			continue
		}
		if url := seg.Field("url").String(); url != "" {
			images = append(images, onebot.Segment{Type: "image", Data: segData(map[string]string{"url": url})})
		} else {
			images = append(images, seg)
		}
	}
	if len(images) == 0 {
		return event
	}

	rebuilt := images
	for _, seg := range segs {
		if seg.Type != "reply" {
			rebuilt = append(rebuilt, seg)
		}
	}
	out, err := sjson.SetBytes(event, "message", rebuilt)
	if err != nil {
		return event
	}
	return out
}

func segData(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
