package command

import (
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/botswitch/botswitch/internal/onebot"
)

// DefaultPrefix introduces frames addressed to the proxy itself.
const DefaultPrefix = "bs"

// Command answers one named instruction. Execute returns the reply text
// shown to the user.
type Command interface {
	Name() string
	Aliases() []string
	Execute(event []byte, args []string) string
}

// Handler routes message events to built-in commands. A handled event is
// answered locally and not fanned out to targets.
type Handler struct {
	Prefix   string
	Auth     *AuthManager
	commands map[string]Command
}

func NewHandler(auth *AuthManager) *Handler {
	h := &Handler{
		Prefix:   DefaultPrefix,
		Auth:     auth,
		commands: map[string]Command{},
	}
	h.Register(&authCommand{auth: auth, prefix: h.Prefix})
	return h
}

// Register adds a command under its name and aliases.
func (h *Handler) Register(c Command) {
	h.commands[c.Name()] = c
	for _, a := range c.Aliases() {
		h.commands[a] = c
	}
}

// Preprocess is applied to every client frame before classification. It is
// the seam for alias rewriting; currently frames pass through unchanged.
func (h *Handler) Preprocess(frame []byte) []byte {
	return frame
}

// HandleEvent inspects a message event and, when it addresses a built-in
// command, returns a send API call answering it. A nil return means the
// event is not for the proxy.
func (h *Handler) HandleEvent(event []byte) []byte {
	if onebot.PostType(event) != "message" {
		return nil
	}
	text := firstText(event)
	if !strings.HasPrefix(text, h.Prefix) {
		return nil
	}
	fields := strings.Fields(strings.TrimPrefix(text, h.Prefix))
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := h.commands[fields[0]]
	if !ok {
		return nil
	}

	log.Infof("[command] dispatch %q", fields[0])
	reply := cmd.Execute(event, fields[1:])
	call, err := replyCall(event, reply)
	if err != nil {
		log.Errorf("[command] build reply for %q: %v", fields[0], err)
		return nil
	}
	return call
}

// firstText joins the text segments of the event's message.
func firstText(event []byte) string {
	segs, err := onebot.EventSegments(event)
	if err != nil {
		return ""
	}
	var b strings.Builder
	for _, seg := range segs {
		if seg.Type == "text" {
			b.WriteString(seg.Field("text").String())
		}
	}
	return strings.TrimSpace(b.String())
}

// replyCall builds a send API call answering the event in its own channel.
func replyCall(event []byte, text string) ([]byte, error) {
	segs := []onebot.Segment{onebot.Text(text)}
	var (
		out = []byte(`{}`)
		err error
	)
	if gjson.GetBytes(event, "message_type").String() == "group" {
		if out, err = sjson.SetBytes(out, "action", "send_group_msg"); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, "params.group_id", gjson.GetBytes(event, "group_id").Value()); err != nil {
			return nil, err
		}
	} else {
		if out, err = sjson.SetBytes(out, "action", "send_private_msg"); err != nil {
			return nil, err
		}
		if out, err = sjson.SetBytes(out, "params.user_id", gjson.GetBytes(event, "user_id").Value()); err != nil {
			return nil, err
		}
	}
	if out, err = sjson.SetBytes(out, "params.message", segs); err != nil {
		return nil, err
	}
	return sjson.SetBytes(out, "echo", "bs-cmd-"+strings.ReplaceAll(uuid.NewString(), "-", ""))
}
