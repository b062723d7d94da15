package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/phuslu/log"
	"go.opentelemetry.io/otel/attribute"
)

// AccessTokenCookie is the cookie the web front end stores the session in
const AccessTokenCookie = "sb-access-token"

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the authenticated caller
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// TokenVerifier resolves an access token to a principal
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// SupabaseVerifier checks tokens against the Supabase auth user endpoint
type SupabaseVerifier struct {
	baseURL string
	anonKey string
	client  *http.Client
}

func NewSupabaseVerifier(baseURL, anonKey string) *SupabaseVerifier {
	return &SupabaseVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		anonKey: anonKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *SupabaseVerifier) Verify(ctx context.Context, token string) (*Principal, error) {
	if v.baseURL == "" || token == "" {
		return nil, ErrUnauthenticated
	}

	ctx, span := StartSpan(ctx, "Auth.Verify")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if v.anonKey != "" {
		req.Header.Set("apikey", v.anonKey)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		AddSpanError(ctx, err)
		return nil, fmt.Errorf("failed to reach auth provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		span.SetAttributes(attribute.Int("auth.status", resp.StatusCode))
		return nil, ErrUnauthenticated
	}

	var p Principal
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode auth user: %w", err)
	}
	if p.ID == "" {
		return nil, ErrUnauthenticated
	}
	return &p, nil
}

// RequireAuth rejects requests without a valid access token with a 401
// JSON error. The principal is available downstream via PrincipalFrom.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := verifier.Verify(r.Context(), accessToken(r))
			if err != nil {
				if !errors.Is(err, ErrUnauthenticated) {
					log.Warn().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("token verification failed")
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func accessToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the caller set by RequireAuth, or nil
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}
