package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/johndauphine/fieldsync/internal/config"
)

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

const footer = "fieldsync"

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// SyncStarted sends notification when a run starts
func (n *Notifier) SyncStarted(runID, tenant, mode string, since *time.Time) error {
	if !n.IsEnabled() {
		return nil
	}

	window := "all history"
	if since != nil {
		window = "since " + since.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	return n.send(SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":arrows_counterclockwise:",
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f",
				Title: "Sync Started",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Tenant", Value: tenant, Short: true},
					{Title: "Mode", Value: mode, Short: true},
					{Title: "Window", Value: window, Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	})
}

// SyncCompleted sends notification when a run completes cleanly
func (n *Notifier) SyncCompleted(runID string, startTime time.Time, duration time.Duration, migrated int, refsUpdated int) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("Sync completed successfully. Migrated %s records, updated %s pipeline references.",
		formatNumberWithCommas(int64(migrated)), formatNumberWithCommas(int64(refsUpdated)))

	return n.send(SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: "#36a64f",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Records", Value: formatNumberWithCommas(int64(migrated)), Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	})
}

// SyncCompletedWithErrors sends notification when a run completes with failures
func (n *Notifier) SyncCompletedWithErrors(runID string, startTime time.Time, duration time.Duration,
	migrated int, errorCount int, errors []string) error {
	if !n.IsEnabled() {
		return nil
	}

	headerText := fmt.Sprintf("Sync completed with errors. Migrated %s records, %s errors.",
		formatNumberWithCommas(int64(migrated)), formatNumberWithCommas(int64(errorCount)))

	return n.send(SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: "#ffc107",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Errors", Value: formatNumberWithCommas(int64(errorCount)), Short: true},
					{Title: "First Errors", Value: summarizeErrors(errors, 5), Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	})
}

// SyncFailed sends notification when a run fails
func (n *Notifier) SyncFailed(runID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = truncate(err.Error(), 500)
	}

	return n.send(SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545",
				Title: "Sync Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	})
}

// EntityFailed sends notification for an entity type that could not be synced
func (n *Notifier) EntityFailed(runID, entityType string, err error) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := "Unknown error"
	if err != nil {
		errMsg = truncate(err.Error(), 500)
	}

	return n.send(SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Attachments: []SlackAttachment{
			{
				Color: "#ffc107",
				Title: "Entity Sync Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Entity", Value: entityType, Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	})
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return "fieldsync"
}

func summarizeErrors(errs []string, limit int) string {
	if len(errs) == 0 {
		return "-"
	}
	shown := errs
	if len(shown) > limit {
		shown = shown[:limit]
	}
	lines := make([]string, len(shown))
	for i, e := range shown {
		lines[i] = truncate(e, 200)
	}
	out := strings.Join(lines, "\n")
	if extra := len(errs) - len(shown); extra > 0 {
		out += fmt.Sprintf("\n... and %d more", extra)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
