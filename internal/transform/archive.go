package transform

import (
	"fmt"
	"strings"

	"signalrelay/internal/message"
)

// FormatArchived renders a record with its author, timestamp, attachments and
// embeds, for replaying an exported log into a fresh channel.
func FormatArchived(rec message.ProcessedRecord) string {
	author := rec.Author
	if author == "" {
		author = "Unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**[%s] %s:**\n%s", rec.RawTimestamp, author, rec.Content)

	if len(rec.Attachments) > 0 {
		b.WriteString("\n\n**Attachments:**")
		for _, a := range rec.Attachments {
			fmt.Fprintf(&b, "\n- %s: %s", orDefault(a.Name, "Unknown"), orDefault(a.URL, "No URL"))
		}
	}

	if len(rec.Embeds) > 0 {
		b.WriteString("\n\n**Embeds:**")
		for _, e := range rec.Embeds {
			fmt.Fprintf(&b, "\n- **%s**: %s\n  URL: %s",
				orDefault(e.Title, "No Title"),
				orDefault(e.Description, "No Description"),
				orDefault(e.URL, "No URL"))
		}
	}

	return b.String()
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
