package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"droidfleet.sh/internal/fault"
	"droidfleet.sh/internal/models"
	"droidfleet.sh/internal/security"
	"droidfleet.sh/internal/store"
)

const (
	deviceKey contextKey = "device"
	adminKey  contextKey = "admin-subject"
)

// DeviceFromContext returns the authenticated device, if any.
func DeviceFromContext(ctx context.Context) *models.Device {
	if d, ok := ctx.Value(deviceKey).(*models.Device); ok {
		return d
	}
	return nil
}

// AdminSubject returns the authenticated admin identity, if any.
func AdminSubject(ctx context.Context) string {
	if s, ok := ctx.Value(adminKey).(string); ok {
		return s
	}
	return ""
}

// ErrorWriter renders a fault error as an HTTP response. Provided by
// the server package so middleware and handlers agree on the wire
// shape.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// DeviceAuth authenticates the device bearer token. Revoked tokens get
// 410 so a wiped device stops retrying.
func DeviceAuth(devices store.DeviceStore, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, r, fault.New(fault.CodeAuthFailure, "missing bearer token"))
				return
			}

			tokenID, secret, ok := security.SplitDeviceToken(token)
			if !ok {
				writeError(w, r, fault.New(fault.CodeAuthFailure, "malformed bearer token"))
				return
			}

			device, err := devices.GetByTokenID(r.Context(), tokenID)
			if err != nil {
				writeError(w, r, fault.New(fault.CodeAuthFailure, "unknown token"))
				return
			}
			if device.TokenRevoked() {
				writeError(w, r, fault.New(fault.CodeTokenRevoked, "token revoked"))
				return
			}
			if !security.VerifyTokenSecret(device.TokenHash, secret) {
				writeError(w, r, fault.New(fault.CodeAuthFailure, "invalid token"))
				return
			}

			ctx := context.WithValue(r.Context(), deviceKey, device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuth accepts either the static admin key or a session token
// issued by the session manager.
func AdminAuth(adminKeyValue string, sessions *security.SessionManager, writeError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get("X-Admin-Key"); key != "" {
				if subtle.ConstantTimeCompare([]byte(key), []byte(adminKeyValue)) == 1 {
					ctx := context.WithValue(r.Context(), adminKey, "admin-key")
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
				writeError(w, r, fault.New(fault.CodeAuthFailure, "invalid admin key"))
				return
			}

			if token, ok := bearerToken(r); ok && sessions != nil {
				claims, err := sessions.Validate(token)
				if err == nil {
					ctx := context.WithValue(r.Context(), adminKey, claims.Subject)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			writeError(w, r, fault.New(fault.CodeAuthFailure, "admin authentication required"))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}
