// Package digest renders message metadata into the chat text body.
package digest

import (
	"strings"

	"github.com/hal9000y/gmail-notifier/internal/model"
)

// Unknown replaces a header that was absent on the message.
const Unknown = "(unknown)"

// Render returns one "Sender:"/"Subject:" block per message, in input order,
// each followed by a blank line. An empty list renders as "".
func Render(msgs []model.MessageMeta) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString("Sender: ")
		b.WriteString(orUnknown(m.Sender))
		b.WriteString("\nSubject: ")
		b.WriteString(orUnknown(m.Subject))
		b.WriteString("\n\n")
	}

	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}
