package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/reliefops/triagecall/pkg/errorsx"
	"github.com/reliefops/triagecall/pkg/transports"
)

type Config struct {
	AccountSID   string `mapstructure:"account_sid"`
	AuthToken    string `mapstructure:"auth_token"`
	FromNumber   string `mapstructure:"from_number"`
	DispatchTo   string `mapstructure:"dispatch_to"`
	PublicURL    string `mapstructure:"public_url"`
	EscalatePath string `mapstructure:"escalate_path"`

	// Media-stream transport settings.
	ServerAddr         string `mapstructure:"server_addr"`
	VoicePath          string `mapstructure:"voice_path"`
	WebsocketPath      string `mapstructure:"ws_path"`
	StatusCallbackPath string `mapstructure:"status_callback_path"`
}

func (c Config) withDefaults() Config {
	if c.EscalatePath == "" {
		c.EscalatePath = "/escalate"
	}
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/ws"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	return c
}

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound dispatcher calls through the Twilio REST API. It is
// the escalation path for high-criticality sealed reports.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial creates the outbound call and returns its SID.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	_ = ctx
	if to == "" || from == "" {
		return "", errorsx.Wrap(errors.New("to/from required"), errorsx.ReasonEscalateDial)
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonEscalateDial)
	}
	if url == "" {
		url = d.escalateWebhookURL()
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonEscalateDial)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(fmt.Errorf("missing call sid"), errorsx.ReasonEscalateDial)
	}
	return *resp.Sid, nil
}

// Escalate rings the configured dispatcher about an incident.
func (d *Dialer) Escalate(ctx context.Context, incidentCallID string) error {
	if d.cfg.DispatchTo == "" {
		slog.Warn("escalation_skipped", "reason", "no dispatch number configured", "call_id", incidentCallID)
		return nil
	}
	sid, err := d.Dial(ctx, d.cfg.DispatchTo, d.cfg.FromNumber, "")
	if err != nil {
		return err
	}
	slog.Info("escalation_dialed", "call_id", incidentCallID, "dispatch_sid", sid)
	return nil
}

func (d *Dialer) escalateWebhookURL() string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.EscalatePath
	}
	return "http://localhost:8080" + d.cfg.EscalatePath
}

func normalizePublicURL(u string) string {
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	return strings.TrimSuffix(u, "/")
}

var _ transports.EscalationDialer = (*Dialer)(nil)
