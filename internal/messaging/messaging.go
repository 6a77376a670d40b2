// Package messaging holds the outbound channel adapters for FlowDesk.
//
// The engine produces reply text; adapters here deliver it. The Twilio
// client covers SMS/WhatsApp delivery and operator escalation alerts, and
// LogSender is a stand-in for local runs without credentials.
package messaging

import (
	"context"
	"log/slog"
)

// LogSender writes outbound messages to the log instead of a real channel.
type LogSender struct{}

// SendMessage logs the reply.
func (LogSender) SendMessage(ctx context.Context, sessionID, body string) error {
	slog.Info("LogSender.SendMessage: outbound reply", "sessionID", sessionID, "body", body)
	return nil
}

// NotifyTransfer logs the escalation.
func (LogSender) NotifyTransfer(ctx context.Context, sessionID, reason string) error {
	slog.Warn("LogSender.NotifyTransfer: human transfer requested", "sessionID", sessionID, "reason", reason)
	return nil
}
