package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/carewatch/internal/models"
	pkglogger "github.com/BradenHooton/carewatch/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// AlertNotifier is told about audit events that need a human.
type AlertNotifier interface {
	NotifyHighSeverity(ctx context.Context, log *models.SecurityAuditLog) error
}

// NoopAlertNotifier is used when no alert channel is configured.
type NoopAlertNotifier struct{}

func (NoopAlertNotifier) NotifyHighSeverity(ctx context.Context, log *models.SecurityAuditLog) error {
	return nil
}

// sesSender is the subset of *ses.Client the notifier needs.
type sesSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESAlertNotifier emails security contacts through AWS SES
type SESAlertNotifier struct {
	client      sesSender
	fromAddress string
	recipients  []string
	logger      *slog.Logger
}

// NewSESAlertNotifier creates a notifier using the default AWS credential chain
func NewSESAlertNotifier(ctx context.Context, region, fromAddress string, recipients []string, logger *slog.Logger) (*SESAlertNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	masked := make([]string, 0, len(recipients))
	for _, r := range recipients {
		masked = append(masked, pkglogger.SanitizedEmail(r))
	}
	logger.Info("security alert email enabled",
		slog.String("region", region),
		slog.Any("recipients", masked))

	return &SESAlertNotifier{
		client:      ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		recipients:  recipients,
		logger:      logger,
	}, nil
}

// NotifyHighSeverity sends a plain-text summary of log. Details are sanitized
// before they leave the process.
func (n *SESAlertNotifier) NotifyHighSeverity(ctx context.Context, log *models.SecurityAuditLog) error {
	subject := fmt.Sprintf("[carewatch] %s security event: %s", log.Severity, log.Action)

	input := &ses.SendEmailInput{
		Source: aws.String(n.fromAddress),
		Destination: &types.Destination{
			ToAddresses: n.recipients,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data: aws.String(alertBody(log)),
				},
			},
		},
	}

	result, err := n.client.SendEmail(ctx, input)
	if err != nil {
		n.logger.Error("failed to send security alert via SES",
			slog.String("audit_log_id", log.ID.String()),
			slog.Any("error", err))
		return fmt.Errorf("failed to send alert: %w", err)
	}

	n.logger.Info("security alert sent",
		slog.String("audit_log_id", log.ID.String()),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

func alertBody(log *models.SecurityAuditLog) string {
	var details any
	if len(log.Details) > 0 {
		_ = json.Unmarshal(log.Details, &details)
	}
	sanitized, err := json.MarshalIndent(pkglogger.SanitizeDataForLogging(details), "", "  ")
	if err != nil {
		sanitized = []byte(pkglogger.Redacted)
	}

	userID := "none"
	if log.UserID != nil {
		userID = *log.UserID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A %s severity security event was recorded.\n\n", log.Severity)
	fmt.Fprintf(&b, "Event ID:   %s\n", log.ID)
	fmt.Fprintf(&b, "Action:     %s\n", log.Action)
	fmt.Fprintf(&b, "User ID:    %s\n", userID)
	fmt.Fprintf(&b, "IP address: %s\n", log.IPAddress)
	fmt.Fprintf(&b, "Time:       %s\n\n", log.Timestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Details:\n%s\n\n", sanitized)
	b.WriteString("Review and resolve this event from the security dashboard.\n")
	return b.String()
}
