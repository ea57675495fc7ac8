package chat

// Role values used in stored history and outbound model requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a model-agnostic chat message used across the context pipeline.
// Images carries base64 payloads for vision-capable models.
type Message struct {
	Role    string
	Content string
	Images  []string
}

// Truncate limits s to maxChars runes.
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
