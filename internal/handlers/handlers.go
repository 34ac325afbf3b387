// Package handlers holds the built-in drafters and publishers for each
// content category. Real deployments swap these for calls into the content
// generation and channel-publishing services; these stand-ins keep the
// pipeline runnable end to end.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marketingpilot/autopilot/internal/task"
)

func DraftBlogPost(ctx context.Context, t *task.Task) (string, error) {
	brief := t.Payload
	if brief == "" {
		return "", fmt.Errorf("blog post draft requires a brief in the payload")
	}
	return fmt.Sprintf("# %s\n\nDraft copy for campaign %s.", brief, t.CampaignID), nil
}

func DraftSocialPost(ctx context.Context, t *task.Task) (string, error) {
	brief := t.Payload
	if len(brief) > 240 {
		brief = brief[:240]
	}
	return strings.TrimSpace(brief) + " #marketing", nil
}

func DraftEmailBlast(ctx context.Context, t *task.Task) (string, error) {
	var brief struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal([]byte(t.Payload), &brief); err != nil {
		return "", fmt.Errorf("invalid payload: expected JSON with subject and body")
	}
	if brief.Subject == "" {
		return "", fmt.Errorf("email blast requires a subject")
	}
	return fmt.Sprintf("Subject: %s\n\n%s", brief.Subject, brief.Body), nil
}

func DraftAdCopy(ctx context.Context, t *task.Task) (string, error) {
	return fmt.Sprintf("[ad] %s", strings.TrimSpace(t.Payload)), nil
}

// Publish simulates delivery of approved content to its channel.
func Publish(ctx context.Context, t *task.Task) (string, error) {
	if t.Result == "" {
		return "", fmt.Errorf("nothing drafted to publish")
	}
	return fmt.Sprintf("published %s for campaign %s", t.Type, t.CampaignID), nil
}
