package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration for the Twilio adapter.
type TwilioOpts struct {
	AccountSID     string
	AuthToken      string
	FromNumber     string
	OperatorNumber string
}

// TwilioOption configures the Twilio adapter.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the sender number in E.164 format.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// WithOperatorNumber sets the number that receives escalation alerts.
func WithOperatorNumber(num string) TwilioOption {
	return func(o *TwilioOpts) { o.OperatorNumber = num }
}

// TwilioClient delivers replies over Twilio SMS. Session IDs double as the
// recipient number in E.164 format.
type TwilioClient struct {
	client         *twilio.RestClient
	fromNumber     string
	operatorNumber string
}

// NewTwilioClient builds the adapter, falling back to TWILIO_* environment
// variables for anything not set via options.
func NewTwilioClient(opts ...TwilioOption) (*TwilioClient, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.OperatorNumber == "" {
		cfg.OperatorNumber = os.Getenv("TWILIO_OPERATOR_NUMBER")
	}

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioClient{
		client:         client,
		fromNumber:     cfg.FromNumber,
		operatorNumber: cfg.OperatorNumber,
	}, nil
}

// SendMessage delivers a reply to the session's number.
func (c *TwilioClient) SendMessage(ctx context.Context, sessionID, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(sessionID)
	params.SetFrom(c.fromNumber)
	params.SetBody(body)

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioClient.SendMessage failed", "sessionID", sessionID, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", sessionID, err)
	}
	slog.Debug("TwilioClient.SendMessage: message sent", "sessionID", sessionID)
	return nil
}

// NotifyTransfer alerts the operator number that a session wants a human.
// No-op when no operator number is configured.
func (c *TwilioClient) NotifyTransfer(ctx context.Context, sessionID, reason string) error {
	if c.operatorNumber == "" {
		slog.Debug("TwilioClient.NotifyTransfer: no operator number configured", "sessionID", sessionID)
		return nil
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(c.operatorNumber)
	params.SetFrom(c.fromNumber)
	params.SetBody(fmt.Sprintf("Session %s requested a human agent: %s", sessionID, reason))

	if _, err := c.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioClient.NotifyTransfer failed", "sessionID", sessionID, "error", err)
		return fmt.Errorf("failed to notify operator for %s: %w", sessionID, err)
	}
	return nil
}
