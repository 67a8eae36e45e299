package platforms

import (
	"context"
	"errors"
	"net/http"

	"github.com/greentic/messaging-core/pkg/adapter"
	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/secrets"
	"github.com/greentic/messaging-core/pkg/tenant"
)

var errUnsupported = errors.New("webchat: not served through the generic ingress webhook path")

// WebChat is a registry-only placeholder for the webchat platform: the
// actual inbound path is internal/directline's activities endpoint, not the
// generic ingress gateway webhook, so VerifyWebhook/Normalise are never
// called in production. It exists so admin/status endpoints and the
// egress-side adapter descriptor lookup see "webchat" as a registered
// platform like any other.
type WebChat struct{}

func (w *WebChat) ProviderID() string          { return "webchat" }
func (w *WebChat) Platform() envelope.Platform { return envelope.PlatformWebchat }

func (w *WebChat) VerifyWebhook(context.Context, secrets.Resolver, string, http.Header, []byte) (adapter.VerifyResult, error) {
	return adapter.Reject, errUnsupported
}

func (w *WebChat) Normalise(context.Context, tenant.Context, []byte) (envelope.MessageEnvelope, error) {
	return envelope.MessageEnvelope{}, errUnsupported
}
