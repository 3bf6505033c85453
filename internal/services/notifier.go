package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/BradenHooton/dealergate/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// Notifier delivers out-of-band messages. Links carry raw tokens and must
// never be logged.
type Notifier interface {
	SendVerificationEmail(ctx context.Context, to, link string, expiresAt time.Time) error
	SendPasswordResetEmail(ctx context.Context, to, link string, expiresAt time.Time) error
	SendTwoFactorCode(ctx context.Context, method models.TwoFactorMethod, destination, code string) error
	SendSecurityAlert(ctx context.Context, entry *models.AuditLogEntry) error
}

// SESClient is the subset of the SES API used here.
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier sends email through AWS SES. SES has no SMS channel.
type SESNotifier struct {
	client       SESClient
	fromAddress  string
	alertAddress string
	logger       *slog.Logger
}

// NewSESNotifier loads the default AWS credential chain for region.
func NewSESNotifier(ctx context.Context, region, fromAddress, alertAddress string, logger *slog.Logger) (*SESNotifier, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESNotifierWithClient(ses.NewFromConfig(cfg), fromAddress, alertAddress, logger), nil
}

func NewSESNotifierWithClient(client SESClient, fromAddress, alertAddress string, logger *slog.Logger) *SESNotifier {
	return &SESNotifier{
		client:       client,
		fromAddress:  fromAddress,
		alertAddress: alertAddress,
		logger:       logger,
	}
}

func (n *SESNotifier) SendVerificationEmail(ctx context.Context, to, link string, expiresAt time.Time) error {
	text := fmt.Sprintf(`Verify your email address

Open the link below to finish setting up your DealerGate account:

%s

The link expires at %s. If you did not create this account you can ignore this message.
`, link, expiresAt.UTC().Format(time.RFC1123))

	html := fmt.Sprintf(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #333;">
<h2>Verify your email address</h2>
<p>Open the link below to finish setting up your DealerGate account.</p>
<p><a href="%s">Verify email address</a></p>
<p>The link expires at %s. If you did not create this account you can ignore this message.</p>
</body></html>`, link, expiresAt.UTC().Format(time.RFC1123))

	return n.send(ctx, to, "Verify your email address", html, text)
}

func (n *SESNotifier) SendPasswordResetEmail(ctx context.Context, to, link string, expiresAt time.Time) error {
	text := fmt.Sprintf(`Reset your password

A password reset was requested for your DealerGate account:

%s

The link expires at %s and can be used once. If you did not ask for this, no action is needed.
`, link, expiresAt.UTC().Format(time.RFC1123))

	html := fmt.Sprintf(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #333;">
<h2>Reset your password</h2>
<p>A password reset was requested for your DealerGate account.</p>
<p><a href="%s">Choose a new password</a></p>
<p>The link expires at %s and can be used once. If you did not ask for this, no action is needed.</p>
</body></html>`, link, expiresAt.UTC().Format(time.RFC1123))

	return n.send(ctx, to, "Reset your password", html, text)
}

func (n *SESNotifier) SendTwoFactorCode(ctx context.Context, method models.TwoFactorMethod, destination, code string) error {
	if method != models.TwoFactorEmail {
		return models.ErrTwoFactorUnsupported
	}
	text := fmt.Sprintf("Your DealerGate verification code is %s. It expires in a few minutes.\n", code)
	html := fmt.Sprintf(`<p>Your DealerGate verification code is <strong>%s</strong>. It expires in a few minutes.</p>`, code)
	return n.send(ctx, destination, "Your verification code", html, text)
}

func (n *SESNotifier) SendSecurityAlert(ctx context.Context, entry *models.AuditLogEntry) error {
	if n.alertAddress == "" {
		return nil
	}
	text := formatAlert(entry)
	html := "<pre>" + text + "</pre>"
	return n.send(ctx, n.alertAddress, "[DealerGate] "+string(entry.EventType), html, text)
}

func (n *SESNotifier) send(ctx context.Context, to, subject, html, text string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(n.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(html)},
				Text: &types.Content{Data: aws.String(text)},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		n.logger.ErrorContext(ctx, "failed to send email via SES",
			slog.String("to", logger.SanitizedEmail(to)),
			slog.String("subject", subject),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.InfoContext(ctx, "email sent",
		slog.String("to", logger.SanitizedEmail(to)),
		slog.String("subject", subject),
		slog.String("message_id", aws.ToString(result.MessageId)))
	return nil
}

// LogNotifier records deliveries in the process log. Used when email is
// disabled; codes and links are not written.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendVerificationEmail(ctx context.Context, to, _ string, expiresAt time.Time) error {
	n.logger.InfoContext(ctx, "verification email suppressed",
		slog.String("to", logger.SanitizedEmail(to)), slog.Time("expires_at", expiresAt))
	return nil
}

func (n *LogNotifier) SendPasswordResetEmail(ctx context.Context, to, _ string, expiresAt time.Time) error {
	n.logger.InfoContext(ctx, "password reset email suppressed",
		slog.String("to", logger.SanitizedEmail(to)), slog.Time("expires_at", expiresAt))
	return nil
}

func (n *LogNotifier) SendTwoFactorCode(ctx context.Context, method models.TwoFactorMethod, _, _ string) error {
	n.logger.InfoContext(ctx, "two-factor code suppressed", slog.String("method", string(method)))
	return nil
}

func (n *LogNotifier) SendSecurityAlert(ctx context.Context, entry *models.AuditLogEntry) error {
	n.logger.ErrorContext(ctx, "security alert",
		slog.String("entry_id", entry.ID),
		slog.String("event_type", string(entry.EventType)),
		slog.String("user_id", entry.Actor.UserID),
		slog.String("ip_address", entry.Network.IPAddress),
	)
	return nil
}

func formatAlert(e *models.AuditLogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event:     %s\n", e.EventType)
	fmt.Fprintf(&b, "Severity:  %s\n", e.Severity)
	fmt.Fprintf(&b, "Time:      %s\n", e.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Entry:     %s\n", e.ID)
	if e.Actor.UserID != "" {
		fmt.Fprintf(&b, "User:      %s\n", e.Actor.UserID)
	}
	if e.Network.IPAddress != "" {
		fmt.Fprintf(&b, "IP:        %s\n", e.Network.IPAddress)
	}
	if e.Resource.Type != "" {
		fmt.Fprintf(&b, "Resource:  %s %s\n", e.Resource.Type, e.Resource.ID)
	}
	return b.String()
}
