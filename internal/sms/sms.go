// Package sms delivers outbound text messages. The pipeline treats
// delivery as fire-and-forget: failures are logged by the caller, never
// retried here.
package sms

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/adventureharmony/sms-agent/internal/httpkit"
)

// defaultAPIURL is the Twilio REST endpoint base.
const defaultAPIURL = "https://api.twilio.com/2010-04-01"

// Sender delivers one message to one recipient.
type Sender interface {
	Send(ctx context.Context, to, body string) error
}

// TwilioConfig configures the REST client.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// APIURL overrides the Twilio endpoint base. Empty means production.
	APIURL string

	Logger *slog.Logger
}

// TwilioClient sends messages through the Twilio Messages API.
type TwilioClient struct {
	cfg        TwilioConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTwilioClient creates a Twilio sender.
func NewTwilioClient(cfg TwilioConfig) *TwilioClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	return &TwilioClient{
		cfg:        cfg,
		httpClient: httpkit.NewClient(),
		logger:     logger.With("sms_provider", "twilio"),
	}
}

// Send posts one outbound message. Returns an error on any non-2xx
// response; the caller decides whether that matters.
func (c *TwilioClient) Send(ctx context.Context, to, body string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.cfg.APIURL, c.cfg.AccountSID)

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<16)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("twilio returned %d: %s", resp.StatusCode, errBody)
	}

	c.logger.Debug("message sent", "to", to, "chars", len(body))
	return nil
}

// LogSender writes messages to the log instead of delivering them.
// Used by the one-shot debugging subcommand when no credentials are
// configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, to, body string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("sms (not delivered)", "to", to, "body", body)
	return nil
}
