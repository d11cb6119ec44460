package command

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/botswitch/botswitch/internal/config"
	"github.com/botswitch/botswitch/internal/store"
)

func newTestHandler(t *testing.T, enabled bool) (*Handler, *AuthManager) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "cmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	auth := NewAuthManager(config.SecurityConfig{
		AuthEnabled:        enabled,
		MaxAttempts:        3,
		BanDurationMinutes: 30,
	}, st)
	return NewHandler(auth), auth
}

func groupEvent(text string) []byte {
	return []byte(`{"post_type":"message","message_type":"group","group_id":777,"user_id":10001,"self_id":20002,"message":[{"type":"text","data":{"text":"` + text + `"}}]}`)
}

func TestHandleEventIgnoresNonCommands(t *testing.T) {
	h, _ := newTestHandler(t, true)

	assert.Nil(t, h.HandleEvent(groupEvent("hello world")))
	assert.Nil(t, h.HandleEvent([]byte(`{"post_type":"notice","notice_type":"x"}`)))
	assert.Nil(t, h.HandleEvent(groupEvent("bsunknowncmd")))
}

func TestAuthCommandGeneratesKey(t *testing.T) {
	h, _ := newTestHandler(t, true)

	call := h.HandleEvent(groupEvent("bs鉴权"))
	require.NotNil(t, call)
	assert.Equal(t, "send_group_msg", gjson.GetBytes(call, "action").String())
	assert.Equal(t, int64(777), gjson.GetBytes(call, "params.group_id").Int())
	assert.Contains(t, gjson.GetBytes(call, "params.message.0.data.text").String(), "临时验证密钥")
	assert.NotEmpty(t, gjson.GetBytes(call, "echo").String())
}

func TestAuthCommandVerifiesKey(t *testing.T) {
	h, auth := newTestHandler(t, true)

	key, _ := auth.GenerateTempKey("20002")
	call := h.HandleEvent(groupEvent("bsauth " + key))
	require.NotNil(t, call)
	assert.Contains(t, gjson.GetBytes(call, "params.message.0.data.text").String(), "验证成功")
	assert.True(t, auth.IsAuthenticated("20002"))
}

func TestAuthCommandDisabled(t *testing.T) {
	h, auth := newTestHandler(t, false)

	call := h.HandleEvent(groupEvent("bsauth"))
	require.NotNil(t, call)
	assert.Contains(t, gjson.GetBytes(call, "params.message.0.data.text").String(), "未启用")
	assert.True(t, auth.IsAuthenticated("anything"))
}

func TestPrivateReplyChannel(t *testing.T) {
	h, _ := newTestHandler(t, true)

	event := []byte(`{"post_type":"message","message_type":"private","user_id":42,"self_id":1,"message":[{"type":"text","data":{"text":"bs鉴权"}}]}`)
	call := h.HandleEvent(event)
	require.NotNil(t, call)
	assert.Equal(t, "send_private_msg", gjson.GetBytes(call, "action").String())
	assert.Equal(t, int64(42), gjson.GetBytes(call, "params.user_id").Int())
}
