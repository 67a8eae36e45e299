package directline

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/greentic/messaging-core/pkg/bus"
	"github.com/greentic/messaging-core/pkg/envelope"
	"github.com/greentic/messaging-core/pkg/metrics"
	"github.com/greentic/messaging-core/pkg/subject"
	"github.com/greentic/messaging-core/pkg/tenant"
)

// tokenRatePerMinute caps token-generation requests per client IP.
const tokenRatePerMinute = 5

// Server implements the Direct Line v3 HTTP + WebSocket contract.
type Server struct {
	Issuer  *TokenIssuer
	Store   Store
	Bus     bus.Client
	Namer   subject.Namer
	Logger  *slog.Logger
	Metrics *metrics.Registry

	ipLimiters sync.Map // client IP -> *rate.Limiter
}

// NewServer builds a Server. A nil logger falls back to slog.Default(); a
// nil reg disables activity-count metrics.
func NewServer(issuer *TokenIssuer, store Store, b bus.Client, namer subject.Namer, logger *slog.Logger, reg *metrics.Registry) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Issuer: issuer, Store: store, Bus: b, Namer: namer, Logger: logger, Metrics: reg}
}

// Routes builds the ServeMux for the Direct Line v3 endpoints plus a
// /metrics endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v3/directline/tokens/generate", s.handleGenerateToken)
	mux.HandleFunc("POST /v3/directline/conversations", s.handleCreateConversation)
	mux.HandleFunc("DELETE /v3/directline/conversations/{id}", s.handleCloseConversation)
	mux.HandleFunc("GET /v3/directline/conversations/{id}/activities", s.handleGetActivities)
	mux.HandleFunc("POST /v3/directline/conversations/{id}/activities", s.handlePostActivity)
	mux.HandleFunc("GET /v3/directline/conversations/{id}/stream", s.handleStream)
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
	}
	return mux
}

// incActivity increments a (tenant, direction)-labelled WebChat activity
// counter. A nil Metrics registry makes this a no-op.
func (s *Server) incActivity(tenantID, direction string) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.Counter(metrics.WithLabels("directline_activities_total", "tenant", tenantID, "direction", direction, "platform", "webchat"), "Direct Line activities exchanged").Inc()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) limiterFor(ip string) *rate.Limiter {
	if l, ok := s.ipLimiters.Load(ip); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Every(time.Minute/tokenRatePerMinute), tokenRatePerMinute)
	actual, _ := s.ipLimiters.LoadOrStore(ip, l)
	return actual.(*rate.Limiter)
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// handleGenerateToken implements POST /v3/directline/tokens/generate.
func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	if !s.limiterFor(clientIP(r)).Allow() {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()
	env, tenantID, team := q.Get("env"), q.Get("tenant"), q.Get("team")
	if env == "" || tenantID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx, err := tenant.New(env, tenantID, team, "")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	token, ttl, err := s.Issuer.MintUserToken(ctx)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresIn: int(ttl.Seconds())})
}

// authenticate validates the bearer token from r and returns its Claims, or
// writes a 401 and returns false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (Claims, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		w.WriteHeader(http.StatusUnauthorized)
		return Claims{}, false
	}
	claims, err := s.Issuer.Parse(strings.TrimPrefix(auth, prefix))
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return Claims{}, false
	}
	return claims, true
}

type conversationResponse struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token"`
	StreamURL      string `json:"streamUrl"`
}

// handleCreateConversation implements POST /v3/directline/conversations.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	ctx, err := tenant.New(claims.Ctx.Env, claims.Ctx.Tenant, claims.Ctx.Team, "")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conv := s.Store.Create(ctx)
	token, _, err := s.Issuer.MintConversationToken(ctx, conv.ID)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if s.Metrics != nil {
		s.Metrics.Gauge("directline_conversations_active", "open Direct Line conversations").Inc()
	}

	writeJSON(w, http.StatusCreated, conversationResponse{
		ConversationID: conv.ID,
		Token:          token,
		StreamURL:      "/v3/directline/conversations/" + conv.ID + "/stream",
	})
}

// handleCloseConversation implements the explicit admin close transition of
// the conversation state machine.
func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := s.lookupAuthorized(w, r)
	if !ok {
		return
	}
	if conv.State() == StateActive {
		conv.Close()
		if s.Metrics != nil {
			s.Metrics.Gauge("directline_conversations_active", "open Direct Line conversations").Dec()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorizeConversation validates claims against the stored conversation:
// the conv claim (when present) must match the URL id, and ctx must match
// the conversation's tenant context.
func authorizeConversation(claims Claims, conv *Conversation, urlID string) bool {
	if claims.Conv != "" && claims.Conv != urlID {
		return false
	}
	return claims.Ctx.Env == conv.Ctx.Env && claims.Ctx.Tenant == conv.Ctx.Tenant &&
		claims.Ctx.Team == conv.Ctx.Team
}

func (s *Server) lookupAuthorized(w http.ResponseWriter, r *http.Request) (*Conversation, Claims, bool) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return nil, Claims{}, false
	}
	id := r.PathValue("id")
	conv, err := s.Store.Get(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return nil, Claims{}, false
	}
	if !authorizeConversation(claims, conv, id) {
		w.WriteHeader(http.StatusForbidden)
		return nil, Claims{}, false
	}
	return conv, claims, true
}

// handleGetActivities implements GET .../activities?watermark=n.
func (s *Server) handleGetActivities(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := s.lookupAuthorized(w, r)
	if !ok {
		return
	}
	watermark := parseWatermark(r.URL.Query().Get("watermark"))
	writeJSON(w, http.StatusOK, conv.Since(watermark))
}

type postActivityRequest struct {
	Type string `json:"type"`
	Text string `json:"text"`
	From string `json:"from,omitempty"`
}

// handlePostActivity implements POST .../activities: it appends the
// activity, fans it out to attached WebSocket subscribers, and publishes a
// MessageEnvelope to the ingress bus subject, which is what makes WebChat
// an ingress channel and not just a chat log.
func (s *Server) handlePostActivity(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := s.lookupAuthorized(w, r)
	if !ok {
		return
	}

	if conv.State() != StateActive {
		w.WriteHeader(http.StatusGone)
		return
	}

	var req postActivityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	activity, watermark, err := conv.Append(Activity{Type: req.Type, Text: req.Text, From: req.From, Timestamp: time.Now().UTC()})
	if errors.Is(err, ErrBacklogFull) {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	env := ActivitiesEnvelope{Activities: []Activity{activity}, Watermark: watermark}
	broadcast(conv, env)
	s.incActivity(conv.Ctx.Tenant, "in")

	if s.Bus != nil {
		msgEnv := envelope.MessageEnvelope{
			Ctx:       conv.Ctx,
			Platform:  envelope.PlatformWebchat,
			ChatID:    conv.ID,
			MsgID:     activity.ID,
			Text:      activity.Text,
			Timestamp: activity.Timestamp,
		}
		if subj, err := s.Namer.Ingress(conv.Ctx.Env, conv.Ctx.Tenant, conv.Ctx.Team, string(envelope.PlatformWebchat)); err == nil {
			if payload, err := json.Marshal(msgEnv); err == nil {
				if err := s.Bus.Publish(r.Context(), subj, payload); err != nil {
					s.Logger.Error("directline: ingress publish failed", "err", err)
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{"watermark": watermark})
}

// handleStream implements GET .../stream: upgrades to a WebSocket and
// pushes ActivitiesEnvelope frames as activities are appended.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	claims, err := s.Issuer.Parse(r.URL.Query().Get("t"))
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	id := r.PathValue("id")
	conv, err := s.Store.Get(id)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !authorizeConversation(claims, conv, id) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Error("directline: websocket upgrade failed", "err", err)
		return
	}

	client := newWSClient(conv, conn, s.Logger)
	client.attach()

	// Send the backlog the subscriber missed, if any. No frame goes out for
	// an empty backlog; new activity arrives via the fan-out.
	if backlog := conv.Since(parseWatermark(r.URL.Query().Get("watermark"))); len(backlog.Activities) > 0 {
		client.enqueue(backlog)
	}

	go client.writePump()
	client.readPump()
}

func parseWatermark(raw string) int {
	if raw == "" {
		return 0
	}
	n := 0
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
