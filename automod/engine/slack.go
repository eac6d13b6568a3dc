package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/prismai/automod/automod/rules"
)

// Posts escalated enforcement (mute and above) to a Slack channel.
type SlackNotifier struct {
	SlackWebhookURL string
	// optional; defaults to http.DefaultClient
	Client *http.Client
}

func (n *SlackNotifier) SendEnforcement(ctx context.Context, res *Result) error {
	if res.Action < rules.ActionMute {
		return nil
	}
	return n.sendSlackMsg(ctx, slackBody(res))
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}

func slackBody(res *Result) string {
	msg := fmt.Sprintf("⚠️ Automod %s ⚠️\n", strings.ToUpper(res.Action.String()))
	msg += fmt.Sprintf("guild `%s` / user `%s` / channel `%s`\n", res.GuildID, res.UserID, res.ChannelID)
	if len(res.MatchedRules) > 0 {
		msg += fmt.Sprintf("Rules: `%s`\n", strings.Join(res.MatchedRules, ", "))
	}
	msg += fmt.Sprintf("Violations: %d\n", res.ViolationCount)
	if res.Downgraded {
		msg += "Ban downgraded to kick (circuit breaker)\n"
	}
	return msg
}
