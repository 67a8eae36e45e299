package platforms

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/greentic/messaging-core/pkg/adapter"
	"github.com/greentic/messaging-core/pkg/secrets"
	"github.com/greentic/messaging-core/pkg/tenant"
)

func resolverWithSecret(tenantID, provider, name string, secret []byte) secrets.Resolver {
	r := secrets.NewStatic()
	r.Set(tenantID, provider, name, secret)
	return r
}

func TestSlackVerifyWebhookAcceptsValidSignature(t *testing.T) {
	s := &Slack{}
	secret := []byte("shhh")
	resolver := resolverWithSecret("acme", "slack", "signing_secret", secret)

	body := []byte(`{"type":"event_callback"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	base := "v0:" + ts + ":" + string(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(base))
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("X-Slack-Request-Timestamp", ts)
	header.Set("X-Slack-Signature", sig)

	result, err := s.VerifyWebhook(context.Background(), resolver, "acme", header, body)
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if result != adapter.Accept {
		t.Fatalf("got %v want Accept", result)
	}
}

func TestSlackVerifyWebhookRejectsBadSignature(t *testing.T) {
	s := &Slack{}
	resolver := resolverWithSecret("acme", "slack", "signing_secret", []byte("shhh"))

	header := http.Header{}
	header.Set("X-Slack-Request-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	header.Set("X-Slack-Signature", "v0=deadbeef")

	result, err := s.VerifyWebhook(context.Background(), resolver, "acme", header, []byte(`{}`))
	if err == nil || result != adapter.Reject {
		t.Fatalf("expected rejection, got result=%v err=%v", result, err)
	}
}

func TestSlackNormaliseDropsBotMessages(t *testing.T) {
	s := &Slack{}
	body := []byte(`{"event":{"channel":"c1","user":"u1","bot_id":"B1","text":"hi"}}`)
	_, err := s.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if !errors.Is(err, adapter.ErrDrop) {
		t.Fatalf("expected ErrDrop for bot-authored event, got %v", err)
	}
	if s.DroppedSelfLoops() != 1 {
		t.Fatalf("expected dropped-self-loop counter to increment, got %d", s.DroppedSelfLoops())
	}
}

func TestSlackNormaliseProducesEnvelope(t *testing.T) {
	s := &Slack{}
	body := []byte(`{"event":{"channel":"c1","user":"u1","text":"hi","ts":"123.456"}}`)
	env, err := s.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if env.ChatID != "c1" || env.UserID != "u1" || env.Text != "hi" {
		t.Fatalf("got envelope %+v", env)
	}
	if env.MsgID != "123.456" {
		t.Fatalf("expected the event ts as the native msg id, got %q", env.MsgID)
	}
}

func TestSlackNormalisePrefersEventID(t *testing.T) {
	s := &Slack{}
	body := []byte(`{"event_id":"Ev123","event":{"channel":"c1","user":"u1","text":"hi","ts":"123.456"}}`)
	env, err := s.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if env.MsgID != "Ev123" {
		t.Fatalf("expected event_id as msg id, got %q", env.MsgID)
	}
}

func TestTeamsVerifyWebhookAcceptsValidSignature(t *testing.T) {
	tm := &Teams{}
	secret := []byte("teams-secret")
	resolver := resolverWithSecret("acme", "teams", "channel_secret", secret)

	body := []byte(`{"type":"message","text":"hi"}`)
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("Authorization", "HMAC "+sig)

	result, err := tm.VerifyWebhook(context.Background(), resolver, "acme", header, body)
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if result != adapter.Accept {
		t.Fatalf("got %v want Accept", result)
	}
}

func TestTeamsVerifyWebhookRejectsMissingHeader(t *testing.T) {
	tm := &Teams{}
	resolver := resolverWithSecret("acme", "teams", "channel_secret", []byte("s"))
	result, err := tm.VerifyWebhook(context.Background(), resolver, "acme", http.Header{}, []byte(`{}`))
	if err == nil || result != adapter.Reject {
		t.Fatalf("expected rejection for missing auth header, got result=%v err=%v", result, err)
	}
}

func TestTeamsNormaliseDropsBotRole(t *testing.T) {
	tm := &Teams{}
	body := []byte(`{"type":"message","text":"hi","from":{"id":"bot1","role":"bot"}}`)
	_, err := tm.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if !errors.Is(err, adapter.ErrDrop) {
		t.Fatalf("expected ErrDrop for bot-authored activity, got %v", err)
	}
}

func TestTeamsNormaliseProducesEnvelope(t *testing.T) {
	tm := &Teams{}
	body := []byte(`{"type":"message","text":"hi","id":"act-1","conversation":{"id":"conv-1"},"from":{"id":"u1","role":"user"}}`)
	env, err := tm.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if env.ChatID != "conv-1" || env.UserID != "u1" || env.Text != "hi" || env.MsgID != "act-1" {
		t.Fatalf("got envelope %+v", env)
	}
}

func TestTelegramVerifyWebhookAcceptsMatchingSecretToken(t *testing.T) {
	tg := &Telegram{}
	resolver := resolverWithSecret("acme", "telegram", "secret_token", []byte("tok"))

	header := http.Header{}
	header.Set("X-Telegram-Bot-Api-Secret-Token", "tok")

	result, err := tg.VerifyWebhook(context.Background(), resolver, "acme", header, []byte(`{}`))
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if result != adapter.Accept {
		t.Fatalf("got %v want Accept", result)
	}
}

func TestTelegramVerifyWebhookRejectsMismatchedSecretToken(t *testing.T) {
	tg := &Telegram{}
	resolver := resolverWithSecret("acme", "telegram", "secret_token", []byte("tok"))

	header := http.Header{}
	header.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")

	result, err := tg.VerifyWebhook(context.Background(), resolver, "acme", header, []byte(`{}`))
	if err == nil || result != adapter.Reject {
		t.Fatalf("expected rejection, got result=%v err=%v", result, err)
	}
}

func TestTelegramNormaliseProducesEnvelope(t *testing.T) {
	tg := &Telegram{}
	body := []byte(`{"message":{"message_id":42,"from":{"id":7},"chat":{"id":100},"text":"hi","date":1700000000}}`)
	env, err := tg.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if env.ChatID != "100" || env.UserID != "7" || env.Text != "hi" {
		t.Fatalf("got envelope %+v", env)
	}
	if env.MsgID != "100:42" {
		t.Fatalf("expected chat-scoped native msg id, got %q", env.MsgID)
	}
}

func TestLocalNormaliseDeterministicMsgID(t *testing.T) {
	l := &Local{}
	body := []byte(`{"chatId":"c1","userId":"u1","text":"hi"}`)
	first, err := l.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	second, err := l.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if first.MsgID == "" || first.MsgID != second.MsgID {
		t.Fatalf("expected a stable msg id for identical payloads, got %q and %q", first.MsgID, second.MsgID)
	}

	explicit, err := l.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, []byte(`{"chatId":"c1","msgId":"m-7"}`))
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if explicit.MsgID != "m-7" {
		t.Fatalf("expected caller-supplied msg id to win, got %q", explicit.MsgID)
	}
}

func TestTelegramNormaliseDropsMessagesWithoutID(t *testing.T) {
	tg := &Telegram{}
	body := []byte(`{"message":{}}`)
	_, err := tg.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if !errors.Is(err, adapter.ErrDrop) {
		t.Fatalf("expected ErrDrop for message with no id, got %v", err)
	}
}

func TestWebexVerifyWebhookAcceptsValidSignature(t *testing.T) {
	w := &Webex{}
	secret := []byte("webex-secret")
	resolver := resolverWithSecret("acme", "webex", "webhook_secret", secret)

	body := []byte(`{"data":{"roomId":"r1","personId":"p1","id":"m1"},"actorId":"p1"}`)
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("X-Webex-Signature", sig)

	result, err := w.VerifyWebhook(context.Background(), resolver, "acme", header, body)
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if result != adapter.Accept {
		t.Fatalf("got %v want Accept", result)
	}
}

func TestWebexVerifyWebhookRejectsMissingSignature(t *testing.T) {
	w := &Webex{}
	resolver := resolverWithSecret("acme", "webex", "webhook_secret", []byte("s"))
	result, err := w.VerifyWebhook(context.Background(), resolver, "acme", http.Header{}, []byte(`{}`))
	if err == nil || result != adapter.Reject {
		t.Fatalf("expected rejection for missing signature, got result=%v err=%v", result, err)
	}
}

func TestWebexNormaliseProducesEnvelope(t *testing.T) {
	w := &Webex{}
	body := []byte(`{"data":{"roomId":"r1","personId":"p1","id":"m1"},"actorId":"p1"}`)
	env, err := w.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if env.ChatID != "r1" || env.UserID != "p1" {
		t.Fatalf("got envelope %+v", env)
	}
}

func TestWhatsAppVerifyWebhookAcceptsValidSignature(t *testing.T) {
	w := &WhatsApp{}
	secret := []byte("app-secret")
	resolver := resolverWithSecret("acme", "whatsapp", "app_secret", secret)

	body := []byte(`{"entry":[]}`)
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("X-Hub-Signature-256", sig)

	result, err := w.VerifyWebhook(context.Background(), resolver, "acme", header, body)
	if err != nil {
		t.Fatalf("VerifyWebhook: %v", err)
	}
	if result != adapter.Accept {
		t.Fatalf("got %v want Accept", result)
	}
}

func TestWhatsAppVerifyWebhookRejectsMalformedSignatureHeader(t *testing.T) {
	w := &WhatsApp{}
	resolver := resolverWithSecret("acme", "whatsapp", "app_secret", []byte("s"))

	header := http.Header{}
	header.Set("X-Hub-Signature-256", "deadbeef")

	result, err := w.VerifyWebhook(context.Background(), resolver, "acme", header, []byte(`{}`))
	if err == nil || result != adapter.Reject {
		t.Fatalf("expected rejection for missing sha256= prefix, got result=%v err=%v", result, err)
	}
}

func TestWhatsAppNormaliseProducesEnvelope(t *testing.T) {
	w := &WhatsApp{}
	body := []byte(`{"entry":[{"changes":[{"value":{"messages":[{"from":"155","id":"wamid.1","text":{"body":"hi"},"type":"text"}],"metadata":{"phone_number_id":"pn1"}}}]}]}`)
	env, err := w.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if err != nil {
		t.Fatalf("Normalise: %v", err)
	}
	if env.ChatID != "155" || env.Text != "hi" || env.MsgID != "wamid.1" {
		t.Fatalf("got envelope %+v", env)
	}
}

func TestWhatsAppNormaliseDropsStatusCallbacks(t *testing.T) {
	w := &WhatsApp{}
	body := []byte(`{"entry":[{"changes":[{"value":{"messages":[],"metadata":{"phone_number_id":"pn1"}}}]}]}`)
	_, err := w.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, body)
	if !errors.Is(err, adapter.ErrDrop) {
		t.Fatalf("expected ErrDrop for a status-only callback, got %v", err)
	}
}

func TestWebChatAdapterIsRegistryOnly(t *testing.T) {
	w := &WebChat{}
	if w.ProviderID() != "webchat" {
		t.Fatalf("got provider id %q", w.ProviderID())
	}
	if _, err := w.VerifyWebhook(context.Background(), resolverWithSecret("acme", "webchat", "x", nil), "acme", http.Header{}, nil); err == nil {
		t.Fatal("expected webchat VerifyWebhook to always reject")
	}
	if _, err := w.Normalise(context.Background(), tenant.Context{Env: "dev", Tenant: "acme"}, nil); err == nil {
		t.Fatal("expected webchat Normalise to always error")
	}
}
