package adminapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mcpbox/mcpbox/internal/domainerr"
)

// claims is the JWT payload minted by login and verified by requireAdmin.
type claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type contextKey string

const actorContextKey contextKey = "admin_actor"

type loginRequest struct {
	Email string `json:"email"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Email == "" {
		writeError(w, domainerr.New(domainerr.KindValidation, "email is required"))
		return
	}

	now := time.Now()
	expiry := a.JWTExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	exp := now.Add(expiry)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		Email: req.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   req.Email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(a.JWTSigningKey)
	if err != nil {
		writeError(w, domainerr.Wrap(domainerr.KindInternal, err, "sign session token"))
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: signed, ExpiresAt: exp.Unix()})
}

// requireAdmin validates the bearer JWT and stores the caller's email in
// the request context for no-self-approval checks and actor attribution.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			writeError(w, domainerr.New(domainerr.KindAuthZ, "missing or malformed Authorization header"))
			return
		}

		var c claims
		_, err := jwt.ParseWithClaims(parts[1], &c, func(t *jwt.Token) (any, error) {
			return a.JWTSigningKey, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			writeError(w, domainerr.Wrap(domainerr.KindAuthZ, err, "invalid or expired session token"))
			return
		}

		ctx := context.WithValue(r.Context(), actorContextKey, c.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromContext(ctx context.Context) string {
	email, _ := ctx.Value(actorContextKey).(string)
	return email
}
