package stream

import (
	"strings"
	"time"

	"github.com/blackmichael/diaspora-node/internal/domain"
)

// previewLength caps the text carried in an Event.
const previewLength = 280

// Event is the JSON message sent to tag stream subscribers.
type Event struct {
	GUID      string    `json:"guid"`
	AuthorID  int64     `json:"author_id"`
	ParentID  int64     `json:"parent_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Tags      []string  `json:"tags"`
	Text      string    `json:"text,omitempty"`
}

// NewEvent summarizes p. The text is taken from the first textual part.
func NewEvent(p *domain.Post) Event {
	ev := Event{
		GUID:      p.GUID,
		AuthorID:  p.AuthorID,
		ParentID:  p.ParentID,
		CreatedAt: p.CreatedAt,
		Tags:      p.Tags,
	}
	for _, part := range p.Parts {
		if strings.HasPrefix(part.MimeType, "text/") {
			ev.Text = truncate(string(part.Body), previewLength)
			break
		}
	}
	return ev
}

// truncate returns the first n bytes of s, appending "..." if truncated.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
