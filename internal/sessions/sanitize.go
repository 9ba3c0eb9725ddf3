package sessions

import (
	"strings"

	"github.com/haasonsaas/switchboard/pkg/models"
)

// Sanitize converts turns into the plain-text history accepted by /chat.
//
// Dropped turns:
//   - anything not complete (streaming or failed);
//   - the welcome turn;
//   - turns with no text;
//   - turns carrying non-text blocks, such as tool_use or tool_result left
//     behind by an aborted round.
//
// The result therefore never contains tool traffic, balanced or not.
func Sanitize(turns []models.Turn) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(turns))
	for _, t := range turns {
		if t.Status != models.TurnComplete || t.ID == WelcomeTurnID {
			continue
		}
		if !t.Role.Valid() || !t.IsPlainText() {
			continue
		}
		text := strings.TrimSpace(t.Text())
		if text == "" {
			continue
		}
		out = append(out, models.ChatMessage{Role: t.Role, Content: text})
	}
	return out
}
