package command

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// authCommand implements the 鉴权 instruction: without an argument it mints
// a temp key for the calling bot, with an argument it verifies the key.
type authCommand struct {
	auth   *AuthManager
	prefix string
}

func (c *authCommand) Name() string      { return "鉴权" }
func (c *authCommand) Aliases() []string { return []string{"auth", "authenticate"} }

func (c *authCommand) Execute(event []byte, args []string) string {
	if c.auth == nil || !c.auth.Enabled() {
		return "未启用密钥鉴权功能，无需验证"
	}
	botID := gjson.GetBytes(event, "self_id").String()

	if len(args) == 0 {
		_, expiresAt := c.auth.GenerateTempKey(botID)
		return fmt.Sprintf(
			"已为Bot %s 生成临时验证密钥\n\n✅ 密钥有效期3分钟\n📱 请在日志中查看密钥\n\n请使用以下指令验证：\n%s%s <密钥>",
			botID, c.prefix, c.Name(),
		) + "\n有效期至 " + expiresAt.Format("15:04:05")
	}

	_, msg := c.auth.VerifyKey(botID, args[0])
	return msg
}
