package translate

import "strings"

// MessageText returns the text of m with image parts removed. Multiple text
// parts are joined with a newline.
func MessageText(m Message) string {
	if !m.Content.IsParts {
		return m.Content.Text
	}
	var texts []string
	for _, p := range m.Content.Parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Flatten collapses the conversation into the single transcript the vendor
// accepts: one "<role>: <text>" entry per message separated by a blank line.
// The vendor expects a leading system frame, so a synthetic empty one is
// prepended when the conversation does not start with a system message.
func Flatten(messages []Message) string {
	var b strings.Builder
	if len(messages) > 0 && messages[0].Role != "system" {
		b.WriteString("system:\n\n")
	}
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(MessageText(m))
	}
	return b.String()
}
