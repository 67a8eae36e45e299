package platforms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/greentic/messaging-core/pkg/adapter"
	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/secrets"
	"github.com/greentic/messaging-core/pkg/tenant"
)

// WhatsApp implements the Adapter trait for the Meta WhatsApp Cloud API,
// verified via the X-Hub-Signature-256 app-secret HMAC Meta documents for
// all Graph API webhooks.
type WhatsApp struct{}

func (w *WhatsApp) ProviderID() string          { return "whatsapp" }
func (w *WhatsApp) Platform() envelope.Platform { return envelope.PlatformWhatsApp }

type waWebhook struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
					Type string `json:"type"`
				} `json:"messages"`
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

func (w *WhatsApp) VerifyWebhook(ctx context.Context, resolver secrets.Resolver, tenantID string, header http.Header, body []byte) (adapter.VerifyResult, error) {
	appSecret, err := resolver.Resolve(ctx, tenantID, w.ProviderID(), "app_secret")
	if err != nil {
		return adapter.Reject, fmt.Errorf("whatsapp: resolve app secret: %w", err)
	}

	sigHeader := header.Get("X-Hub-Signature-256")
	const prefix = "sha256="
	if !strings.HasPrefix(sigHeader, prefix) {
		return adapter.Reject, fmt.Errorf("whatsapp: missing or malformed X-Hub-Signature-256")
	}

	mac := hmac.New(sha256.New, appSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(sigHeader, prefix))) {
		return adapter.Reject, fmt.Errorf("whatsapp: signature mismatch")
	}
	return adapter.Accept, nil
}

func (w *WhatsApp) Normalise(_ context.Context, base tenant.Context, body []byte) (envelope.MessageEnvelope, error) {
	var hook waWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return envelope.MessageEnvelope{}, fmt.Errorf("whatsapp: decode: %w", err)
	}

	for _, entry := range hook.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				if msg.Type != "" && msg.Type != "text" {
					continue
				}
				return envelope.MessageEnvelope{
					Ctx:       base,
					Platform:  envelope.PlatformWhatsApp,
					ChatID:    msg.From,
					UserID:    msg.From,
					MsgID:     msg.ID,
					Text:      msg.Text.Body,
					Metadata:  map[string]string{"phone_number_id": change.Value.Metadata.PhoneNumberID},
					Timestamp: time.Now().UTC(),
				}, nil
			}
		}
	}

	// Status callbacks and non-text payloads carry no actionable message;
	// treat them as a recognised, intentional no-op rather than an error.
	return envelope.MessageEnvelope{}, adapter.ErrDrop
}
