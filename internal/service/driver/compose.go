package driver

import (
	"strings"

	"github.com/jmehdipour/dispatch-batch/internal/model"
)

// NamePlaceholder is replaced with the recipient's display name.
const NamePlaceholder = "{name}"

// Compose builds the message text of a batch for one recipient: title,
// summary and link separated by blank lines. The summary is the excerpt,
// or the body when there is no excerpt.
func Compose(s model.Subject, recipientName string) string {
	summary := strings.TrimSpace(s.Excerpt)
	if summary == "" {
		summary = strings.TrimSpace(s.Body)
	}

	var parts []string
	for _, p := range []string{strings.TrimSpace(s.Title), summary, strings.TrimSpace(s.LinkURL)} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	text := strings.Join(parts, "\n\n")

	name := strings.TrimSpace(recipientName)
	return strings.ReplaceAll(text, NamePlaceholder, name)
}
