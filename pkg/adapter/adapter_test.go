package adapter

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/secrets"
	"github.com/greentic/messaging-core/pkg/tenant"
)

type fakeAdapter struct {
	id       string
	platform envelope.Platform
}

func (f *fakeAdapter) ProviderID() string          { return f.id }
func (f *fakeAdapter) Platform() envelope.Platform { return f.platform }
func (f *fakeAdapter) VerifyWebhook(context.Context, secrets.Resolver, string, http.Header, []byte) (VerifyResult, error) {
	return Accept, nil
}
func (f *fakeAdapter) Normalise(_ context.Context, base tenant.Context, _ []byte) (envelope.MessageEnvelope, error) {
	return envelope.MessageEnvelope{Ctx: base, Platform: f.platform}, nil
}

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry(nil, false)
	a := &fakeAdapter{id: "slack", platform: envelope.PlatformSlack}
	if err := reg.Register(a); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.LookupByPlatform("slack")
	if err != nil {
		t.Fatalf("lookup by platform: %v", err)
	}
	if got.ProviderID() != "slack" {
		t.Fatalf("got provider %q", got.ProviderID())
	}

	got, err = reg.LookupByID("slack")
	if err != nil {
		t.Fatalf("lookup by id: %v", err)
	}
	if got.Platform() != envelope.PlatformSlack {
		t.Fatalf("got platform %q", got.Platform())
	}
}

func TestLookupUnknownPlatform(t *testing.T) {
	reg := NewRegistry(nil, false)
	_, err := reg.LookupByPlatform("nope")
	if !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("got %v want ErrUnknownPlatform", err)
	}
}

func TestRegisterCollisionNonStrictWarnsAndKeepsFirst(t *testing.T) {
	reg := NewRegistry(nil, false)
	first := &fakeAdapter{id: "slack", platform: envelope.PlatformSlack}
	second := &fakeAdapter{id: "slack", platform: envelope.PlatformTeams}

	if err := reg.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := reg.Register(second); err != nil {
		t.Fatalf("register second (non-strict) should not error: %v", err)
	}

	got, err := reg.LookupByID("slack")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Platform() != envelope.PlatformSlack {
		t.Fatalf("expected first-registered adapter to win, got platform %q", got.Platform())
	}
}

func TestRegisterCollisionStrictErrors(t *testing.T) {
	reg := NewRegistry(nil, true)
	first := &fakeAdapter{id: "slack", platform: envelope.PlatformSlack}
	second := &fakeAdapter{id: "slack", platform: envelope.PlatformTeams}

	if err := reg.Register(first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	if err := reg.Register(second); err == nil {
		t.Fatal("expected strict-mode registration collision to error")
	}
}

func TestPlatformsListsAllRegistered(t *testing.T) {
	reg := NewRegistry(nil, false)
	reg.Register(&fakeAdapter{id: "slack", platform: envelope.PlatformSlack})
	reg.Register(&fakeAdapter{id: "teams", platform: envelope.PlatformTeams})

	platforms := reg.Platforms()
	if len(platforms) != 2 {
		t.Fatalf("got %d platforms, want 2", len(platforms))
	}
}
