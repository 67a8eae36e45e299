package mid

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
)

// Bearer returns middleware that rejects requests whose Authorization
// header isn't "Bearer {token}" for the configured token, using a
// constant-time comparison. An empty token disables the check (the
// middleware becomes a no-op), matching the ingress gateway's "optional,
// independently enablable" guard rails.
func Bearer(token string) Middleware {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			got := r.Header.Get("Authorization")
			if !strings.HasPrefix(got, prefix) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			got = strings.TrimPrefix(got, prefix)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HMAC returns middleware that verifies a base64(hmac_sha256(secret, body))
// signature in headerName against the raw request body. The body is
// restored onto the request after verification so downstream handlers can
// still read it. An empty secret disables the check.
func HMAC(secret, headerName string) Middleware {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))

			mac := hmac.New(sha256.New, []byte(secret))
			mac.Write(body)
			expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

			got := r.Header.Get(headerName)
			if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
