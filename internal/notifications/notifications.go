package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"time"

	"github.com/schoolsafe/safeguard/internal/models"
)

type NotificationType string

const (
	NotifyElevatedRisk    NotificationType = "elevated_risk"
	NotifyCriticalRisk    NotificationType = "critical_risk"
	NotifyBoundaryBlocked NotificationType = "boundary_blocked"
	NotifyBatchComplete   NotificationType = "batch_complete"
)

// Notification is one alert. The payload carries analysis IDs, levels and
// counts only; subject identifiers and concern text stay out of alert
// channels, which sit outside the local trust boundary.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Level     models.RiskLevel
	Data      map[string]interface{}
	Timestamp time.Time
}

type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
	Enabled    bool
	MinLevel   models.RiskLevel
}

type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
	Enabled  bool
	MinLevel models.RiskLevel
}

type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers a notification to all enabled channels that accept its level.
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && shouldNotify(notif.Level, s.config.Slack.MinLevel) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && shouldNotify(notif.Level, s.config.Email.MinLevel) {
		if err := s.sendEmail(notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}

	return nil
}

func shouldNotify(actual, minimum models.RiskLevel) bool {
	return models.RiskRank(actual) >= models.RiskRank(minimum)
}

// NotifyReport alerts on a completed analysis whose level clears the channel
// thresholds. Only the analysis ID, level, confidence and pattern count cross
// into the alert.
func (s *Service) NotifyReport(ctx context.Context, report *models.Report) {
	level := report.RiskAssessment.OverallLevel
	if models.RiskRank(level) < models.RiskRank(models.RiskHigh) {
		return
	}

	notifType := NotifyElevatedRisk
	title := "Elevated Safeguarding Risk Identified"
	if level == models.RiskCritical {
		notifType = NotifyCriticalRisk
		title = "CRITICAL Safeguarding Risk Identified"
	}

	notif := &Notification{
		Type:    notifType,
		Title:   title,
		Message: fmt.Sprintf("An analysis concluded with %s overall risk. Review analysis %s in the safeguarding console.", level, report.AnalysisID),
		Level:   level,
		Data: map[string]interface{}{
			"analysis_id":       report.AnalysisID.String(),
			"overall_level":     string(level),
			"confidence":        fmt.Sprintf("%.2f", report.RiskAssessment.ConfidenceScore),
			"patterns_found":    report.Metadata.PatternsFound,
			"external_analysis": string(report.ExternalAnalysis),
		},
		Timestamp: time.Now(),
	}

	if err := s.Send(ctx, notif); err != nil {
		s.logger.Error("sending risk notification", "error", err, "analysis_id", report.AnalysisID)
	}
}

// NotifyBoundaryViolation alerts administrators that an outbound payload was
// blocked. The violating value itself is never included.
func (s *Service) NotifyBoundaryViolation(ctx context.Context, analysisID, field, rule string) error {
	notif := &Notification{
		Type:    NotifyBoundaryBlocked,
		Title:   "Outbound Privacy Violation Blocked",
		Message: fmt.Sprintf("The privacy boundary blocked an outbound payload for analysis %s. The analysis completed locally.", analysisID),
		Level:   models.RiskHigh,
		Data: map[string]interface{}{
			"analysis_id": analysisID,
			"field":       field,
			"rule":        rule,
		},
		Timestamp: time.Now(),
	}
	return s.Send(ctx, notif)
}

// NotifyBatch summarizes a finished batch run.
func (s *Service) NotifyBatch(ctx context.Context, jobID string, total, done, highRisk int, duration time.Duration) error {
	level := models.RiskLow
	if highRisk > 0 {
		level = models.RiskHigh
	}

	notif := &Notification{
		Type:    NotifyBatchComplete,
		Title:   "Batch Analysis Completed",
		Message: fmt.Sprintf("Batch %s analyzed %d of %d subjects; %d at high or critical risk.", jobID, done, total, highRisk),
		Level:   level,
		Data: map[string]interface{}{
			"job_id":          jobID,
			"subjects_total":  total,
			"subjects_done":   done,
			"high_risk_found": highRisk,
			"duration":        duration.String(),
		},
		Timestamp: time.Now(),
	}
	return s.Send(ctx, notif)
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	fields := make([]SlackField, 0, len(notif.Data))
	for _, key := range sortedDataKeys(notif.Data) {
		fields = append(fields, SlackField{
			Title: key,
			Value: fmt.Sprintf("%v", notif.Data[key]),
			Short: true,
		})
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     levelToColor(notif.Level),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "Safeguarding Alert System",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent", "type", notif.Type, "title", notif.Title)

	return nil
}

func levelToColor(level models.RiskLevel) string {
	switch level {
	case models.RiskCritical:
		return "#FF0000"
	case models.RiskHigh:
		return "#FFA500"
	case models.RiskMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}

func (s *Service) sendEmail(notif *Notification) error {
	subject := fmt.Sprintf("[Safeguarding Alert] %s", notif.Title)
	body, err := s.formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	if err := smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg)); err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

const emailTemplate = `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .level { display: inline-block; padding: 4px 8px; border-radius: 4px; font-weight: bold; background: {{.LevelColor}}; color: white; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Risk level: <span class="level">{{.Level}}</span></p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>This is an automated alert from the safeguarding analysis system. No student identifiers are included in alerts.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`

func (s *Service) formatEmailBody(notif *Notification) (string, error) {
	t, err := template.New("email").Parse(emailTemplate)
	if err != nil {
		return "", err
	}

	headerColor := "#2196F3"
	switch notif.Level {
	case models.RiskCritical:
		headerColor = "#F44336"
	case models.RiskHigh:
		headerColor = "#FF9800"
	case models.RiskMedium:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":       notif.Title,
		"Message":     notif.Message,
		"Level":       string(notif.Level),
		"HeaderColor": headerColor,
		"LevelColor":  levelToColor(notif.Level),
		"Data":        notif.Data,
		"HasData":     len(notif.Data) > 0,
		"Timestamp":   notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

func sortedDataKeys(data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
