package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
)

// activation tracks per-(tenant, platform) registration state behind the
// admin endpoints: operators can register/deregister a tenant+platform pair
// (e.g. while rotating a platform credential) and query its status, without
// restarting the gateway.
type activation struct {
	mu       sync.RWMutex
	disabled map[string]bool
}

func newActivation() *activation {
	return &activation{disabled: make(map[string]bool)}
}

func activationKey(tenantID, platform string) string { return tenantID + "/" + platform }

func (a *activation) set(tenantID, platform string, disabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disabled[activationKey(tenantID, platform)] = disabled
}

func (a *activation) isDisabled(tenantID, platform string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.disabled[activationKey(tenantID, platform)]
}

// selfLoopCounter is implemented by adapters (e.g. platforms.Slack) that
// track dropped bot/self-loop events, surfaced via the status endpoint.
type selfLoopCounter interface {
	DroppedSelfLoops() int64
}

func (g *Gateway) handleAdmin(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := r.PathValue("platform")
		tenantID := r.PathValue("tenant")

		a, err := g.Adapters.LookupByPlatform(platform)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch action {
		case "register":
			g.activation().set(tenantID, platform, false)
			w.WriteHeader(http.StatusOK)
		case "deregister":
			g.activation().set(tenantID, platform, true)
			w.WriteHeader(http.StatusOK)
		case "status":
			resp := map[string]any{
				"tenant":   tenantID,
				"platform": platform,
				"disabled": g.activation().isDisabled(tenantID, platform),
			}
			if counter, ok := a.(selfLoopCounter); ok {
				resp["dropped_self_loops"] = counter.DroppedSelfLoops()
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (g *Gateway) activation() *activation {
	g.activationOnce.Do(func() { g.activationState = newActivation() })
	return g.activationState
}
