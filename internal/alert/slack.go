package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const sendTimeout = 5 * time.Second

// postJSON marshals payload and POSTs it to url, treating any non-200 status
// as an error.
func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts alerts to an incoming-webhook URL as colored
// attachments.
type SlackChannel struct {
	webhookURL string
	client     *http.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: sendTimeout},
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func slackColor(level AlertLevel) string {
	switch level {
	case Warning:
		return "#ffcc00"
	case Error:
		return "#ff0000"
	case Critical:
		return "#8b0000"
	default:
		return "#36a64f"
	}
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}

	fields := make([]map[string]interface{}, 0, len(alert.Fields))
	for k, v := range alert.Fields {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": v,
			"short": true,
		})
	}

	attachment := map[string]interface{}{
		"color":   slackColor(alert.Level),
		"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
		"text":    alert.Message,
		"fields":  fields,
		"ts":      alert.Timestamp.Unix(),
		"footer":  "Volatility Harvester",
	}
	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{attachment},
	}

	if err := postJSON(ctx, s.client, s.webhookURL, payload); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}
