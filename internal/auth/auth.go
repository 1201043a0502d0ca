// Package auth resolves the authenticated user behind each request. The
// engine only needs a user id; token verification is delegated to an
// external identity service.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrInvalidToken is returned when a token cannot be resolved to a user.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier resolves a bearer token to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

type contextKey string

const userContextKey contextKey = "user"

// Middleware rejects requests without a resolvable identity and stashes
// the user id in the request context. The core fails closed: no identity,
// no operation.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}
			userID, err := v.Verify(r.Context(), token)
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), userContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the authenticated user id from the request context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userContextKey).(string)
	return id, ok && id != ""
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// RemoteVerifier asks an external identity service (GET /auth/v1/user
// with the bearer token) who the caller is.
type RemoteVerifier struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRemoteVerifier creates a verifier against an identity service.
func NewRemoteVerifier(baseURL, apiKey string) *RemoteVerifier {
	return &RemoteVerifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("apikey", v.apiKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: identity service returned %d", ErrInvalidToken, resp.StatusCode)
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", ErrInvalidToken
	}
	return out.ID, nil
}

// StaticVerifier maps fixed tokens to user ids. Used in development and
// tests.
type StaticVerifier map[string]string

func (v StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	id, ok := v[token]
	if !ok {
		return "", ErrInvalidToken
	}
	return id, nil
}
