package dispatch

import (
	"encoding/hex"

	"github.com/spaolacci/murmur3"
)

// Deterministic key identifying a command: the action, the target, and the message event which triggered it. A redelivered event produces the same key; a new event never does, even when it leads to the same action against the same user.
func IdempotencyKey(cmd Command) string {
	h := murmur3.New128()
	for i, s := range []string{cmd.Action.String(), cmd.GuildID, cmd.UserID, cmd.ChannelID, cmd.MessageID} {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(s))
	}
	return hex.EncodeToString(h.Sum(nil))
}
