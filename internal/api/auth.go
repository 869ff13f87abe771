package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"yar/internal/auth"
)

type claimsKey struct{}

// requireScope rejects requests without a bearer token granting scope.
// The token's relayer becomes the hub caller.
func requireScope(tokens *auth.TokenIssuer, scope auth.Scope, logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || raw == "" {
				respondError(w, http.StatusUnauthorized, "Missing bearer token", nil)
				return
			}
			claims, err := tokens.Verify(raw)
			if err != nil {
				logger.Debug("Rejected token", zap.String("path", r.URL.Path), zap.Error(err))
				respondError(w, http.StatusUnauthorized, "Invalid token", err)
				return
			}
			if !claims.Allows(scope) {
				respondError(w, http.StatusForbidden, "Token lacks scope "+string(scope), nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

// callerFrom returns the relayer authenticated by requireScope, or the zero
// address, which the hub rejects.
func callerFrom(r *http.Request) common.Address {
	claims, ok := r.Context().Value(claimsKey{}).(*auth.Claims)
	if !ok {
		return common.Address{}
	}
	return claims.RelayerAddress()
}
