package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/greentic/messaging-core/internal/appconfig"
	"github.com/greentic/messaging-core/pkg/bus"
	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/idempotency"
	"github.com/greentic/messaging-core/pkg/kv"
	"github.com/greentic/messaging-core/pkg/metrics"
	"github.com/greentic/messaging-core/pkg/ratelimit"
	"github.com/greentic/messaging-core/pkg/secrets"
	"github.com/greentic/messaging-core/pkg/subject"
)

// collectIngress subscribes to the ingress subject and collects the raw
// payloads it sees until ctx is cancelled.
func collectIngress(ctx context.Context, b bus.Client, subj string) *[]envelope.MessageEnvelope {
	var mu sync.Mutex
	received := make([]envelope.MessageEnvelope, 0)
	go b.Subscribe(ctx, bus.SubscribeOpts{Subject: subj}, func(_ context.Context, msg bus.Delivery) error {
		var env envelope.MessageEnvelope
		if err := json.Unmarshal(msg.Data(), &env); err == nil {
			mu.Lock()
			received = append(received, env)
			mu.Unlock()
		}
		return msg.Ack(context.Background())
	})
	time.Sleep(10 * time.Millisecond)
	return &received
}

func newTestGateway(t *testing.T) (*Gateway, bus.Client) {
	t.Helper()
	b := bus.NewMemory()
	namer := subject.NewNamer()
	idemStore := idempotency.New(kv.NewMemBucket(time.Hour), time.Hour, 100)
	limiter := ratelimit.New(nil, time.Minute, ratelimit.TenantConfig{Rate: 100, Burst: 100})
	adapters := appconfig.BuiltinAdapters(nil, false)
	resolver := secrets.NewStatic()
	return New("dev", adapters, resolver, b, namer, idemStore, limiter, nil, metrics.New()), b
}

// TestHappyPathIngress verifies a POST to the local channel publishes
// exactly one canonical envelope to the ingress subject and responds 202.
func TestHappyPathIngress(t *testing.T) {
	gw, b := newTestGateway(t)
	srv := httptest.NewServer(gw.Routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := collectIngress(ctx, b, "greentic.messaging.ingress.dev.acme.default.local")

	body := `{"chatId":"c1","userId":"u1","text":"hi","metadata":{}}`
	resp, err := http.Post(srv.URL+"/api/acme/default/local", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got status %d want 202", resp.StatusCode)
	}

	time.Sleep(20 * time.Millisecond)
	if len(*received) != 1 {
		t.Fatalf("got %d ingress publishes, want 1", len(*received))
	}
	env := (*received)[0]
	if env.Ctx.Env != "dev" || env.Ctx.Tenant != "acme" || env.Ctx.Team != "default" {
		t.Fatalf("got ctx %+v", env.Ctx)
	}
	if env.Platform != envelope.PlatformLocal || env.ChatID != "c1" || env.Text != "hi" {
		t.Fatalf("got envelope %+v", env)
	}
}

// TestIdempotentDuplicate verifies sending the same request twice in
// succession yields two 202 responses but exactly one bus publish.
func TestIdempotentDuplicate(t *testing.T) {
	gw, b := newTestGateway(t)
	srv := httptest.NewServer(gw.Routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := collectIngress(ctx, b, "greentic.messaging.ingress.dev.acme.default.local")

	body := `{"chatId":"c1","userId":"u1","text":"hi","metadata":{}}`
	for i := 0; i < 2; i++ {
		resp, err := http.Post(srv.URL+"/api/acme/default/local", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST #%d: %v", i, err)
		}
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("POST #%d got status %d want 202", i, resp.StatusCode)
		}
	}

	time.Sleep(20 * time.Millisecond)
	if len(*received) != 1 {
		t.Fatalf("got %d ingress publishes, want exactly 1 (duplicate must not republish)", len(*received))
	}
}

func TestUnknownChannelReturns400(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/acme/default/carrier-pigeon", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d want 400", resp.StatusCode)
	}
}

func TestRateLimitDenialReturns429(t *testing.T) {
	b := bus.NewMemory()
	namer := subject.NewNamer()
	idemStore := idempotency.New(kv.NewMemBucket(time.Hour), time.Hour, 100)
	limiter := ratelimit.New(nil, time.Minute, ratelimit.TenantConfig{Rate: 1, Burst: 1})
	adapters := appconfig.BuiltinAdapters(nil, false)
	resolver := secrets.NewStatic()
	gw := New("dev", adapters, resolver, b, namer, idemStore, limiter, nil, metrics.New())
	srv := httptest.NewServer(gw.Routes())
	defer srv.Close()

	post := func(chatID string) int {
		body := `{"chatId":"` + chatID + `","text":"hi"}`
		resp, err := http.Post(srv.URL+"/api/acme/default/local", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		return resp.StatusCode
	}

	if got := post("c1"); got != http.StatusAccepted {
		t.Fatalf("first request got %d want 202", got)
	}
	if got := post("c2"); got != http.StatusTooManyRequests {
		t.Fatalf("second request (over burst) got %d want 429", got)
	}
}

func TestAdminRegisterDeregisterStatus(t *testing.T) {
	gw, _ := newTestGateway(t)
	srv := httptest.NewServer(gw.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/local/acme/deregister", "application/json", nil)
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deregister got %d want 200", resp.StatusCode)
	}

	postResp, err := http.Post(srv.URL+"/api/acme/default/local", "application/json", strings.NewReader(`{"chatId":"c1"}`))
	if err != nil {
		t.Fatalf("POST after deregister: %v", err)
	}
	if postResp.StatusCode != http.StatusForbidden {
		t.Fatalf("got %d want 403 once platform deregistered for tenant", postResp.StatusCode)
	}

	statusResp, err := http.Get(srv.URL + "/admin/local/acme/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status map[string]any
	json.NewDecoder(statusResp.Body).Decode(&status)
	if status["disabled"] != true {
		t.Fatalf("got status %+v want disabled=true", status)
	}
}

// TestMetricsEndpointExposesIngressCounter verifies an accepted inbound
// message shows up on /metrics with real tenant/platform label values.
func TestMetricsEndpointExposesIngressCounter(t *testing.T) {
	gw, b := newTestGateway(t)
	srv := httptest.NewServer(gw.Routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collectIngress(ctx, b, "greentic.messaging.ingress.dev.acme.default.local")

	resp, err := http.Post(srv.URL+"/api/acme/default/local", "application/json", strings.NewReader(`{"chatId":"c1","text":"hi"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("got %d want 202", resp.StatusCode)
	}

	metricsResp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, rerr := metricsResp.Body.Read(buf)
		body.Write(buf[:n])
		if rerr != nil {
			break
		}
	}
	rendered := body.String()
	if !strings.Contains(rendered, `ingress_accepted_total{tenant="acme",platform="local"}`) {
		t.Fatalf("expected ingress_accepted_total with tenant/platform labels, got:\n%s", rendered)
	}
}
