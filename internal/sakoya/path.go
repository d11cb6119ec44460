package sakoya

import "strings"

// IsSakoyaPath reports whether a WebSocket path follows the Sakoya
// convention /ws/<bot_id>.
func IsSakoyaPath(path string) bool {
	return BotIDFromPath(path) != ""
}

// BotIDFromPath extracts the bot id from a /ws/<bot_id> path, or returns ""
// when the path does not match the convention.
func BotIDFromPath(path string) string {
	if path == "" {
		return ""
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	parts := strings.Split(path, "/")
	if len(parts) >= 3 && parts[1] == "ws" {
		return parts[2]
	}
	return ""
}
