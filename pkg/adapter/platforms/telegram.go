package platforms

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/greentic/messaging-core/pkg/adapter"
	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/secrets"
	"github.com/greentic/messaging-core/pkg/tenant"
)

// Telegram implements the Adapter trait for the Telegram Bot API. Telegram
// has no body signature scheme; instead it echoes the secret token set via
// setWebhook's secret_token parameter in the
// X-Telegram-Bot-Api-Secret-Token request header, which VerifyWebhook
// compares in constant time against the resolved secret.
type Telegram struct{}

func (t *Telegram) ProviderID() string          { return "telegram" }
func (t *Telegram) Platform() envelope.Platform { return envelope.PlatformTelegram }

type tgUpdate struct {
	Message struct {
		MessageID int `json:"message_id"`
		From      struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
		Date int64  `json:"date"`
	} `json:"message"`
}

func (t *Telegram) VerifyWebhook(ctx context.Context, resolver secrets.Resolver, tenantID string, header http.Header, body []byte) (adapter.VerifyResult, error) {
	secretToken, err := resolver.Resolve(ctx, tenantID, t.ProviderID(), "secret_token")
	if err != nil {
		return adapter.Reject, fmt.Errorf("telegram: resolve secret token: %w", err)
	}

	got := header.Get("X-Telegram-Bot-Api-Secret-Token")
	if subtle.ConstantTimeCompare([]byte(got), secretToken) != 1 {
		return adapter.Reject, fmt.Errorf("telegram: secret token mismatch")
	}
	return adapter.Accept, nil
}

func (t *Telegram) Normalise(_ context.Context, base tenant.Context, body []byte) (envelope.MessageEnvelope, error) {
	var update tgUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return envelope.MessageEnvelope{}, fmt.Errorf("telegram: decode: %w", err)
	}
	if update.Message.MessageID == 0 {
		return envelope.MessageEnvelope{}, adapter.ErrDrop
	}

	return envelope.MessageEnvelope{
		Ctx:      base,
		Platform: envelope.PlatformTelegram,
		ChatID:   fmt.Sprintf("%d", update.Message.Chat.ID),
		UserID:   fmt.Sprintf("%d", update.Message.From.ID),
		// message_id is only unique per chat, so the native dedupe key is
		// the (chat, message) pair.
		MsgID: fmt.Sprintf("%d:%d", update.Message.Chat.ID, update.Message.MessageID),
		Text:      update.Message.Text,
		Metadata:  map[string]string{"telegram_message_id": fmt.Sprintf("%d", update.Message.MessageID)},
		Timestamp: time.Unix(update.Message.Date, 0).UTC(),
	}, nil
}
