// Package platforms holds the concrete Adapter implementations for every
// supported chat channel.
package platforms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/greentic/messaging-core/pkg/adapter"
	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/secrets"
	"github.com/greentic/messaging-core/pkg/tenant"
)

// slackSkew bounds how stale a request timestamp may be before it is
// rejected as a replay, matching Slack's own recommended window.
const slackSkew = 5 * time.Minute

// Slack implements the Adapter trait for Slack's Events API: timestamp +
// v0 HMAC signature verification, and normalisation that drops bot-authored
// events and Slack's own "bot_message" subtype to avoid self-loops.
type Slack struct {
	// droppedSelfLoops counts events dropped at normalisation time,
	// surfaced via the admin status endpoint.
	droppedSelfLoops atomic.Int64
}

func (s *Slack) ProviderID() string           { return "slack" }
func (s *Slack) Platform() envelope.Platform  { return envelope.PlatformSlack }
func (s *Slack) DroppedSelfLoops() int64      { return s.droppedSelfLoops.Load() }

type slackEvent struct {
	Type      string `json:"type"`
	ChannelID string `json:"channel"`
	UserID    string `json:"user"`
	BotID     string `json:"bot_id"`
	SubType   string `json:"subtype"`
	Text      string `json:"text"`
	TS        string `json:"ts"`
	ThreadTS  string `json:"thread_ts"`
}

type slackEnvelope struct {
	Type      string     `json:"type"`
	Challenge string     `json:"challenge"`
	EventID   string     `json:"event_id"`
	Event     slackEvent `json:"event"`
}

func (s *Slack) VerifyWebhook(ctx context.Context, resolver secrets.Resolver, tenantID string, header http.Header, body []byte) (adapter.VerifyResult, error) {
	secret, err := resolver.Resolve(ctx, tenantID, s.ProviderID(), "signing_secret")
	if err != nil {
		return adapter.Reject, fmt.Errorf("slack: resolve signing secret: %w", err)
	}

	ts := header.Get("X-Slack-Request-Timestamp")
	sig := header.Get("X-Slack-Signature")
	if ts == "" || sig == "" {
		return adapter.Reject, fmt.Errorf("slack: missing signature headers")
	}

	unixTS, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return adapter.Reject, fmt.Errorf("slack: malformed timestamp")
	}
	if age := time.Since(time.Unix(unixTS, 0)); age > slackSkew || age < -slackSkew {
		return adapter.Reject, fmt.Errorf("slack: timestamp outside allowed skew")
	}

	base := "v0:" + ts + ":" + string(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(base))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return adapter.Reject, fmt.Errorf("slack: signature mismatch")
	}
	return adapter.Accept, nil
}

func (s *Slack) Normalise(_ context.Context, base tenant.Context, body []byte) (envelope.MessageEnvelope, error) {
	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope.MessageEnvelope{}, fmt.Errorf("slack: decode: %w", err)
	}

	ev := env.Event
	if ev.BotID != "" || ev.SubType == "bot_message" {
		s.droppedSelfLoops.Add(1)
		return envelope.MessageEnvelope{}, adapter.ErrDrop
	}

	// Slack's event_id is the provider-native dedupe key (Events API
	// retries reuse it); the event ts is the per-channel fallback.
	msgID := env.EventID
	if msgID == "" {
		msgID = ev.TS
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}

	return envelope.MessageEnvelope{
		Ctx:       base,
		Platform:  envelope.PlatformSlack,
		ChatID:    ev.ChannelID,
		UserID:    ev.UserID,
		ThreadID:  ev.ThreadTS,
		MsgID:     msgID,
		Text:      ev.Text,
		Metadata:  map[string]string{"slack_ts": ev.TS},
		Timestamp: time.Now().UTC(),
	}, nil
}
