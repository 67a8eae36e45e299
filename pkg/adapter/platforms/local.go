package platforms

import (
	"context"
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

// Local implements the Adapter trait for the development/test "local"
// channel: it accepts the canonical MessageEnvelope fields directly as JSON
// with no platform-specific signature scheme, guarded only by whatever
// bearer/HMAC guard rail the gateway has configured. It exists so flows can
// be exercised end to end without standing up a real chat platform.
type Local struct{}

func (l *Local) ProviderID() string          { return "local" }
func (l *Local) Platform() envelope.Platform { return envelope.PlatformLocal }

// localPayload mirrors the public contract's lower-camel HTTP boundary;
// key names are lower-camel on the HTTP boundary and snake_case on the
// bus.
type localPayload struct {
	ChatID   string            `json:"chatId"`
	UserID   string            `json:"userId"`
	ThreadID string            `json:"threadId"`
	MsgID    string            `json:"msgId"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
}

// VerifyWebhook always accepts: the local channel relies on the gateway's
// shared bearer/HMAC guard rails, not a platform-specific signature.
func (l *Local) VerifyWebhook(context.Context, secrets.Resolver, string, http.Header, []byte) (adapter.VerifyResult, error) {
	return adapter.Accept, nil
}

func (l *Local) Normalise(_ context.Context, base tenant.Context, body []byte) (envelope.MessageEnvelope, error) {
	var p localPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return envelope.MessageEnvelope{}, fmt.Errorf("local: decode: %w", err)
	}
	if p.ChatID == "" {
		return envelope.MessageEnvelope{}, fmt.Errorf("local: chatId required")
	}

	// The local channel has no provider-native message id unless the caller
	// supplies one; fall back to a UUID derived deterministically from the
	// payload so resubmissions of the same message dedupe at the gateway.
	msgID := p.MsgID
	if msgID == "" {
		msgID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.ChatID+"\x00"+p.UserID+"\x00"+p.ThreadID+"\x00"+p.Text)).String()
	}

	return envelope.MessageEnvelope{
		Ctx:       base,
		Platform:  envelope.PlatformLocal,
		ChatID:    p.ChatID,
		UserID:    p.UserID,
		ThreadID:  p.ThreadID,
		MsgID:     msgID,
		Text:      p.Text,
		Metadata:  p.Metadata,
		Timestamp: time.Now().UTC(),
	}, nil
}
