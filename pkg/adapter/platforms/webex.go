package platforms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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

// Webex implements the Adapter trait for Cisco Webex webhooks, verified via
// the X-Webex-Signature HMAC-SHA256 header Webex documents for webhook
// payload verification.
type Webex struct{}

func (w *Webex) ProviderID() string          { return "webex" }
func (w *Webex) Platform() envelope.Platform { return envelope.PlatformWebex }

type webexWebhook struct {
	Data struct {
		RoomID     string `json:"roomId"`
		PersonID   string `json:"personId"`
		PersonEmail string `json:"personEmail"`
		ID         string `json:"id"`
	} `json:"data"`
	ActorID string `json:"actorId"`
}

func (w *Webex) VerifyWebhook(ctx context.Context, resolver secrets.Resolver, tenantID string, header http.Header, body []byte) (adapter.VerifyResult, error) {
	secret, err := resolver.Resolve(ctx, tenantID, w.ProviderID(), "webhook_secret")
	if err != nil {
		return adapter.Reject, fmt.Errorf("webex: resolve webhook secret: %w", err)
	}

	sig := header.Get("X-Webex-Signature")
	if sig == "" {
		return adapter.Reject, fmt.Errorf("webex: missing X-Webex-Signature")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return adapter.Reject, fmt.Errorf("webex: signature mismatch")
	}
	return adapter.Accept, nil
}

func (w *Webex) Normalise(_ context.Context, base tenant.Context, body []byte) (envelope.MessageEnvelope, error) {
	var hook webexWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return envelope.MessageEnvelope{}, fmt.Errorf("webex: decode: %w", err)
	}

	// Webex webhooks deliver only an event reference, not message content;
	// the adapter surfaces it as-is and leaves content-fetch to the flow
	// runner.
	msgID := hook.Data.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}

	return envelope.MessageEnvelope{
		Ctx:       base,
		Platform:  envelope.PlatformWebex,
		ChatID:    hook.Data.RoomID,
		UserID:    hook.Data.PersonID,
		MsgID:     msgID,
		Metadata:  map[string]string{"webex_message_id": hook.Data.ID},
		Timestamp: time.Now().UTC(),
	}, nil
}
