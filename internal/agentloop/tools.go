package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/omi/listen-server/internal/service"
)

const defaultToolLimit = 10

type limitArgs struct {
	Limit int `json:"limit"`
}

func parseLimit(args string) int {
	var a limitArgs
	if strings.TrimSpace(args) != "" {
		_ = json.Unmarshal([]byte(args), &a)
	}
	if a.Limit <= 0 || a.Limit > 50 {
		return defaultToolLimit
	}
	return a.Limit
}

var limitSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"limit": map[string]any{"type": "integer", "description": "How many entries to return (max 50)."},
	},
}

// DefaultTools exposes the user's conversations and open action items.
func DefaultTools(convs *service.ConversationService, items *service.ActionItemService) []Tool {
	return []Tool{
		{
			Name:        "recent_conversations",
			Description: "List the user's most recent conversations with their transcripts.",
			Parameters:  limitSchema,
			Run: func(ctx context.Context, uid, args string) (string, error) {
				list, err := convs.Recent(ctx, uid, parseLimit(args))
				if err != nil {
					return "", err
				}
				var b strings.Builder
				for _, c := range list {
					fmt.Fprintf(&b, "# %s (%s, %s)\n", c.ID, c.StartedAt.Format(time.RFC3339), c.Status)
					for _, seg := range c.TranscriptSegments {
						speaker := seg.Speaker
						if seg.IsUser {
							speaker = "User"
						}
						fmt.Fprintf(&b, "%s: %s\n", speaker, seg.Text)
					}
				}
				if b.Len() == 0 {
					return "no conversations", nil
				}
				return b.String(), nil
			},
		},
		{
			Name:        "open_action_items",
			Description: "List the user's action items that are not completed yet.",
			Parameters:  limitSchema,
			Run: func(ctx context.Context, uid, args string) (string, error) {
				list, err := items.Open(ctx, uid, parseLimit(args))
				if err != nil {
					return "", err
				}
				if len(list) == 0 {
					return "no open action items", nil
				}
				var b strings.Builder
				for _, it := range list {
					due := "no due date"
					if it.DueAt != nil {
						due = "due " + it.DueAt.Format(time.RFC3339)
					}
					fmt.Fprintf(&b, "- [%s] %s (%s)\n", it.ID, it.Description, due)
				}
				return b.String(), nil
			},
		},
	}
}
