package twilio

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/harunnryd/concierge/pkg/business"
	"github.com/harunnryd/concierge/pkg/metrics"
	"github.com/harunnryd/concierge/pkg/providers/mock"
)

type fakeMessages struct {
	params []*api.CreateMessageParams
	err    error
}

func (f *fakeMessages) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &api.ApiV2010Message{Sid: &sid}, nil
}

func smsConfig() Config {
	return Config{AccountSID: "AC1", AuthToken: "secret", FromNumber: "+14155550100", NotifyNumber: "+14155550111"}
}

func TestEscalationNotifierTextsTicket(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	n := NewEscalationNotifier(mock.NewBusinessAdapter(mock.DefaultSeed()), smsConfig(), nil, obs)
	msgs := &fakeMessages{}
	n.client = msgs

	res, err := n.Escalate(context.Background(), business.EscalationInput{CustomerID: "cust_001", Reason: "no heat since Monday"})
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Len(t, msgs.params, 1)
	p := msgs.params[0]
	assert.Equal(t, "+14155550111", *p.To)
	assert.Equal(t, "+14155550100", *p.From)
	assert.Contains(t, *p.Body, res.TicketID)
	assert.Contains(t, *p.Body, "no heat since Monday")

	events := obs.Named(metrics.EventEscalationNotified)
	require.Len(t, events, 1)
	assert.Equal(t, "ok", events[0].Tags["status"])
}

func TestEscalationNotifierSendFailureKeepsTicket(t *testing.T) {
	obs := metrics.NewMemoryObserver()
	n := NewEscalationNotifier(mock.NewBusinessAdapter(mock.DefaultSeed()), smsConfig(), nil, obs)
	n.client = &fakeMessages{err: errors.New("unreachable")}

	res, err := n.Escalate(context.Background(), business.EscalationInput{Reason: "leak"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "error", obs.Named(metrics.EventEscalationNotified)[0].Tags["status"])
}

func TestEscalationNotifierWithoutSMS(t *testing.T) {
	adapter := mock.NewBusinessAdapter(mock.DefaultSeed())
	n := NewEscalationNotifier(adapter, Config{}, nil, nil)
	assert.Nil(t, n.client)

	res, err := n.Escalate(context.Background(), business.EscalationInput{Reason: "leak"})
	require.NoError(t, err)
	assert.True(t, res.OK)

	// Other operations pass straight through.
	matches, err := n.LookupCustomerByPhone(context.Background(), "+14155550142")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestBodyIsBounded(t *testing.T) {
	n := NewEscalationNotifier(nil, smsConfig(), nil, nil)
	body := n.body(business.EscalationInput{Reason: strings.Repeat("a", 500)}, "tkt_1")
	assert.Len(t, body, 320)
	assert.True(t, strings.HasSuffix(body, "..."))
}

func TestTokenMinter(t *testing.T) {
	disabled := NewTokenMinter(Config{AccountSID: "AC1"})
	_, err := disabled.Mint("caller")
	assert.ErrorIs(t, err, ErrTokensDisabled)

	m := NewTokenMinter(Config{AccountSID: "AC1", APIKeySID: "SK1", APISecret: "shh", TwimlAppSID: "AP1", TokenTTLSecond: 600})
	now := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_, err = m.Mint("  ")
	require.Error(t, err)

	tok, err := m.Mint("+14155550142")
	require.NoError(t, err)
	assert.Equal(t, "+14155550142", tok.Identity)
	assert.Equal(t, now.Add(10*time.Minute), tok.ExpiresAt)

	parts := strings.Split(tok.Token, ".")
	require.Len(t, parts, 3)
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	require.NoError(t, err)
	assert.Contains(t, string(payload), "+14155550142")
	assert.Contains(t, string(payload), "AP1")
}
