package rules

import (
	"time"
)

// Inbound message event, as delivered by the chat ingestion layer.
type Message struct {
	GuildID   string    `json:"guildId"`
	UserID    string    `json:"userId"`
	ChannelID string    `json:"channelId"`
	MessageID string    `json:"messageId,omitempty"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestampUtc"`
	IsBot     bool      `json:"isBot"`
}

// Maximum number of runes of message content considered by the scanning matchers (links, regex).
const MaxScanLength = 4000

// Returns the message content truncated to MaxScanLength runes.
func (m *Message) ScanContent() string {
	return truncateRunes(m.Content, MaxScanLength)
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
