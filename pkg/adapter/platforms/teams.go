package platforms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/greentic/messaging-core/pkg/adapter"
	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/secrets"
	"github.com/greentic/messaging-core/pkg/tenant"
)

// Teams implements the Adapter trait for Microsoft Teams/Bot Framework
// webhooks: the channel-security HMAC-SHA256 digest (base64, over the raw
// body) carried in the Authorization header, as the Bot Framework connector
// documents for its outgoing webhook validation.
type Teams struct{}

func (t *Teams) ProviderID() string          { return "teams" }
func (t *Teams) Platform() envelope.Platform { return envelope.PlatformTeams }

type teamsActivity struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
	From struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"from"`
	ReplyToID string `json:"replyToId"`
	ID        string `json:"id"`
}

func (t *Teams) VerifyWebhook(ctx context.Context, resolver secrets.Resolver, tenantID string, header http.Header, body []byte) (adapter.VerifyResult, error) {
	secret, err := resolver.Resolve(ctx, tenantID, t.ProviderID(), "channel_secret")
	if err != nil {
		return adapter.Reject, fmt.Errorf("teams: resolve channel secret: %w", err)
	}

	auth := header.Get("Authorization")
	const prefix = "HMAC "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return adapter.Reject, fmt.Errorf("teams: missing HMAC authorization header")
	}
	sig := auth[len(prefix):]

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return adapter.Reject, fmt.Errorf("teams: signature mismatch")
	}
	return adapter.Accept, nil
}

func (t *Teams) Normalise(_ context.Context, base tenant.Context, body []byte) (envelope.MessageEnvelope, error) {
	var act teamsActivity
	if err := json.Unmarshal(body, &act); err != nil {
		return envelope.MessageEnvelope{}, fmt.Errorf("teams: decode: %w", err)
	}

	// Teams activities authored by the bot itself ("role":"bot") loop
	// back on the same conversation; drop them the same way the Slack
	// adapter drops bot_message events.
	if act.From.Role == "bot" {
		return envelope.MessageEnvelope{}, adapter.ErrDrop
	}
	if act.Type != "" && act.Type != "message" {
		return envelope.MessageEnvelope{}, adapter.ErrDrop
	}

	msgID := act.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	return envelope.MessageEnvelope{
		Ctx:       base,
		Platform:  envelope.PlatformTeams,
		ChatID:    act.Conversation.ID,
		UserID:    act.From.ID,
		ThreadID:  act.ReplyToID,
		MsgID:     msgID,
		Text:      act.Text,
		Metadata:  map[string]string{},
		Timestamp: time.Now().UTC(),
	}, nil
}
