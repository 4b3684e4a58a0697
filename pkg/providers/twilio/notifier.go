// Package twilio holds the Twilio integrations of the concierge: SMS
// notification of escalation tickets and realtime client access tokens.
package twilio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/errorsx"
	"github.com/harunnryd/concierge/pkg/logging"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/redact"
)

type Config struct {
	AccountSID     string `mapstructure:"account_sid"`
	AuthToken      string `mapstructure:"auth_token"`
	APIKeySID      string `mapstructure:"api_key_sid"`
	APISecret      string `mapstructure:"api_secret"`
	TwimlAppSID    string `mapstructure:"twiml_app_sid"`
	FromNumber     string `mapstructure:"from_number"`
	NotifyNumber   string `mapstructure:"notify_number"`
	TokenTTLSecond int    `mapstructure:"token_ttl_seconds"`
}

// SMSEnabled reports whether escalations can be texted.
func (c Config) SMSEnabled() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.FromNumber != "" && c.NotifyNumber != ""
}

// TokensEnabled reports whether access tokens can be minted.
func (c Config) TokensEnabled() bool {
	return c.AccountSID != "" && c.APIKeySID != "" && c.APISecret != ""
}

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// EscalationNotifier decorates a business.Adapter and texts the on-call
// number whenever an escalation ticket is opened.
type EscalationNotifier struct {
	business.Adapter
	cfg    Config
	client messageCreator
	log    *slog.Logger
	obs    metrics.Observer
}

func NewEscalationNotifier(inner business.Adapter, cfg Config, log *slog.Logger, obs metrics.Observer) *EscalationNotifier {
	n := &EscalationNotifier{
		Adapter: inner,
		cfg:     cfg,
		log:     logging.NewComponentLogger(log, "twilio_notifier"),
		obs:     obs,
	}
	if cfg.SMSEnabled() {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		n.client = rest.Api
	}
	return n
}

// Escalate opens the ticket through the wrapped adapter. A failed text never
// fails the escalation.
func (n *EscalationNotifier) Escalate(ctx context.Context, in business.EscalationInput) (business.EscalationResult, error) {
	res, err := n.Adapter.Escalate(ctx, in)
	if err != nil || !res.OK || n.client == nil {
		return res, err
	}
	sid, serr := n.send(in, res.TicketID)
	if serr != nil {
		n.log.Warn("escalation_sms_failed", "ticket_id", res.TicketID, "error", errorsx.Wrap(serr, errorsx.ReasonNotifySend))
		n.record("error")
		return res, nil
	}
	n.log.Info("escalation_sms_sent", "ticket_id", res.TicketID, "message_sid", sid)
	n.record("ok")
	return res, nil
}

func (n *EscalationNotifier) send(in business.EscalationInput, ticketID string) (string, error) {
	params := &api.CreateMessageParams{}
	params.SetTo(n.cfg.NotifyNumber)
	params.SetFrom(n.cfg.FromNumber)
	params.SetBody(n.body(in, ticketID))
	msg, err := n.client.CreateMessage(params)
	if err != nil {
		return "", err
	}
	if msg == nil || msg.Sid == nil {
		return "", fmt.Errorf("missing message sid")
	}
	return *msg.Sid, nil
}

func (n *EscalationNotifier) body(in business.EscalationInput, ticketID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Escalation %s", ticketID)
	if in.CustomerID != "" {
		fmt.Fprintf(&b, " for %s", in.CustomerID)
	}
	if in.Phone != "" {
		fmt.Fprintf(&b, " (%s)", redact.Phone(in.Phone))
	}
	fmt.Fprintf(&b, ": %s", strings.TrimSpace(in.Reason))
	out := b.String()
	if len(out) > 320 {
		out = out[:317] + "..."
	}
	return out
}

func (n *EscalationNotifier) record(status string) {
	metrics.Record(n.obs, metrics.EventEscalationNotified, 1, map[string]string{"status": status, "provider": "twilio"}, nil)
}
