package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/eventbus/api/responses"
	"github.com/angelmondragon/eventbus/pkg/auth"
	"github.com/angelmondragon/eventbus/pkg/config"
	pkgerrors "github.com/angelmondragon/eventbus/pkg/errors"
	"github.com/angelmondragon/eventbus/pkg/logger"
)

type contextKey string

const (
	ctxClientID contextKey = "client_id"

	clientIDHeader = "X-Client-Id"
	maxClientIDLen = 128
)

// ClientID records the calling producer. It scopes idempotency keys so two
// producers cannot replay each other. When a token secret is configured the
// id is the subject of a verified bearer token and X-Client-Id is ignored.
func ClientID(cfg config.AuthConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var clientID string
			if cfg.Enabled() {
				id, err := verifiedClientID(cfg, r)
				if err != nil {
					responses.WriteError(r.Context(), logg, w, err)
					return
				}
				clientID = id
			} else {
				clientID = strings.TrimSpace(r.Header.Get(clientIDHeader))
			}
			if len(clientID) > maxClientIDLen {
				clientID = clientID[:maxClientIDLen]
			}
			if clientID == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := WithClientID(r.Context(), clientID)
			if logg != nil {
				ctx = logg.WithField(ctx, "client_id", clientID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func verifiedClientID(cfg config.AuthConfig, r *http.Request) (string, error) {
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return "", pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}
	claims, err := auth.ParseServiceToken(cfg, token)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token")
	}
	return strings.TrimSpace(claims.Subject), nil
}

func ClientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxClientID).(string); ok {
		return v
	}
	return ""
}

// WithClientID injects the producer identifier into the context.
func WithClientID(ctx context.Context, clientID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxClientID, clientID)
}
