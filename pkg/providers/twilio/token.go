package twilio

import (
	"errors"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client/jwt"

	"github.com/harunnryd/concierge/pkg/errorsx"
)

const defaultTokenTTL = time.Hour

// ErrTokensDisabled is returned when API key credentials are missing.
var ErrTokensDisabled = errors.New("twilio access tokens are not configured")

// AccessToken is a signed realtime client token.
type AccessToken struct {
	Token     string    `json:"token"`
	Identity  string    `json:"identity"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenMinter issues Voice access tokens for browser and mobile clients.
type TokenMinter struct {
	cfg Config
	now func() time.Time
}

func NewTokenMinter(cfg Config) *TokenMinter {
	return &TokenMinter{cfg: cfg, now: time.Now}
}

func (m *TokenMinter) Enabled() bool { return m != nil && m.cfg.TokensEnabled() }

// Mint signs a token for identity, usually the conversation key.
func (m *TokenMinter) Mint(identity string) (AccessToken, error) {
	if !m.Enabled() {
		return AccessToken{}, ErrTokensDisabled
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return AccessToken{}, errorsx.New(errorsx.ReasonPayloadInvalid, "identity is required")
	}
	ttl := defaultTokenTTL
	if m.cfg.TokenTTLSecond > 0 {
		ttl = time.Duration(m.cfg.TokenTTLSecond) * time.Second
	}
	token := jwt.CreateAccessToken(jwt.AccessTokenParams{
		AccountSid:    m.cfg.AccountSID,
		SigningKeySid: m.cfg.APIKeySID,
		Secret:        m.cfg.APISecret,
		Identity:      identity,
		Ttl:           ttl.Seconds(),
	})
	grant := &jwt.VoiceGrant{Incoming: jwt.Incoming{Allow: true}}
	if m.cfg.TwimlAppSID != "" {
		grant.Outgoing = jwt.Outgoing{ApplicationSid: m.cfg.TwimlAppSID}
	}
	token.AddGrant(grant)
	signed, err := token.ToJwt()
	if err != nil {
		return AccessToken{}, errorsx.Wrap(err, errorsx.ReasonProviderInit)
	}
	return AccessToken{Token: signed, Identity: identity, ExpiresAt: m.now().Add(ttl)}, nil
}
