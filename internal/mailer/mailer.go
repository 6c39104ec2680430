// Package mailer renders and sends the outbound report and alert emails
// through AWS SES, with Liquid templates for the bodies.
package mailer

import (
	"context"
	"embed"
	"fmt"
	"log"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/osteele/liquid"

	appconfig "github.com/ignite/usda-monitor/internal/config"
	"github.com/ignite/usda-monitor/internal/domain"
)

//go:embed templates/*.liquid
var templateFS embed.FS

// Payload is one rendered email.
type Payload struct {
	Subject  string
	BodyText string
	BodyHTML string
}

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Mailer renders Liquid templates and delivers per-recipient via SES.
// With email disabled it still renders (the API exposes previews) but
// Send is a no-op.
type Mailer struct {
	enabled   bool
	sender    string
	client    sesAPI
	templates map[string]*liquid.Template
}

// New builds a mailer from the email config. The SES client uses the
// default AWS credential chain for the configured region.
func New(ctx context.Context, cfg appconfig.EmailConfig) (*Mailer, error) {
	m := &Mailer{enabled: cfg.Enabled, sender: cfg.SESSender}
	if err := m.parseTemplates(); err != nil {
		return nil, err
	}

	if cfg.Enabled {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.SESRegion))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		m.client = sesv2.NewFromConfig(awsCfg)
	}
	return m, nil
}

// NewWithClient wraps an existing SES client (tests).
func NewWithClient(cfg appconfig.EmailConfig, client sesAPI) (*Mailer, error) {
	m := &Mailer{enabled: cfg.Enabled, sender: cfg.SESSender, client: client}
	if err := m.parseTemplates(); err != nil {
		return nil, err
	}
	return m, nil
}

// Enabled reports whether outbound delivery is configured.
func (m *Mailer) Enabled() bool { return m.enabled }

func (m *Mailer) parseTemplates() error {
	engine := liquid.NewEngine()
	m.templates = make(map[string]*liquid.Template)
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return fmt.Errorf("reading templates: %w", err)
	}
	for _, entry := range entries {
		src, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading template %s: %w", entry.Name(), err)
		}
		tpl, err := engine.ParseString(string(src))
		if err != nil {
			return fmt.Errorf("parsing template %s: %w", entry.Name(), err)
		}
		m.templates[entry.Name()] = tpl
	}
	return nil
}

// Render produces the text and HTML bodies of a named template pair
// (<name>.txt.liquid and <name>.html.liquid).
func (m *Mailer) Render(name string, context map[string]any) (Payload, error) {
	subject, _ := context["subject"].(string)
	if subject == "" {
		subject = "USDA Report Update"
	}

	text, err := m.renderOne(name+".txt.liquid", context)
	if err != nil {
		return Payload{}, err
	}
	html, err := m.renderOne(name+".html.liquid", context)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Subject: subject, BodyText: text, BodyHTML: html}, nil
}

func (m *Mailer) renderOne(name string, context map[string]any) (string, error) {
	tpl, ok := m.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %s", name)
	}
	out, err := tpl.RenderString(context)
	if err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return out, nil
}

// Send delivers the payload to each recipient individually. Delivery is
// best-effort: a failed recipient is logged and the rest still go out.
func (m *Mailer) Send(ctx context.Context, recipients []string, payload Payload) {
	if !m.enabled || m.client == nil || len(recipients) == 0 {
		return
	}
	for _, recipient := range recipients {
		input := &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(m.sender),
			Destination:      &types.Destination{ToAddresses: []string{recipient}},
			Content: &types.EmailContent{
				Simple: &types.Message{
					Subject: &types.Content{Data: aws.String(payload.Subject), Charset: aws.String("UTF-8")},
					Body: &types.Body{
						Text: &types.Content{Data: aws.String(payload.BodyText), Charset: aws.String("UTF-8")},
						Html: &types.Content{Data: aws.String(payload.BodyHTML), Charset: aws.String("UTF-8")},
					},
				},
			},
		}
		if _, err := m.client.SendEmail(ctx, input); err != nil {
			log.Printf("[Mailer] Failed to send to %s: %v", recipient, err)
		}
	}
}

// FieldList turns parsed fields into a name-sorted list the templates
// can iterate.
func FieldList(fields domain.Fields) []map[string]any {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		out = append(out, map[string]any{"name": name, "value": fields[name]})
	}
	return out
}

// ReportContext builds the template bindings for a published edition.
func ReportContext(reportID, reportName, reportDate string, fields domain.Fields, urls []string) map[string]any {
	return map[string]any{
		"subject":     fmt.Sprintf("%s - %s", reportName, reportDate),
		"report_id":   reportID,
		"report_name": reportName,
		"report_date": reportDate,
		"fields":      FieldList(fields),
		"urls":        urls,
	}
}

// AlertContext builds the template bindings for a failure alert.
func AlertContext(reportID, runID, errorType, lastAttemptAt string) map[string]any {
	return map[string]any{
		"subject":         fmt.Sprintf("USDA Monitor Alert: %s", reportID),
		"report_id":       reportID,
		"run_id":          runID,
		"error_type":      errorType,
		"last_attempt_at": lastAttemptAt,
	}
}
