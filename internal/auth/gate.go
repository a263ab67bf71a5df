// Package auth decides whether an upgrade request may join a room. The room
// registry only consumes the Decision; it never rewrites the code or reason.
package auth

import (
	"net/http"
	"strings"

	"github.com/assistant-chat/realtime/internal/protocol"
	"github.com/google/uuid"
)

// TokenHeader is an alternative to the token query parameter for clients
// that can set headers.
const TokenHeader = "X-Realtime-Token"

// Decision is a gate's answer for one upgrade request.
type Decision struct {
	Allowed bool
	UserID  string

	// Denial details. Status is the HTTP status of the rejection response;
	// zero means 401.
	Status int
	Code   int
	Reason string
}

// Allow admits the request as userID.
func Allow(userID string) Decision {
	return Decision{Allowed: true, UserID: userID}
}

// Deny is the canonical policy-violation denial.
func Deny(reason string) Decision {
	return Decision{
		Status: http.StatusUnauthorized,
		Code:   protocol.ClosePolicyViolation,
		Reason: reason,
	}
}

// Gate is the admission collaborator consulted once per upgrade.
type Gate interface {
	Check(r *http.Request) Decision
}

// GateFunc adapts a function to Gate.
type GateFunc func(r *http.Request) Decision

func (f GateFunc) Check(r *http.Request) Decision { return f(r) }

// TokenFromRequest extracts a bearer credential from the token query
// parameter, the X-Realtime-Token header or an Authorization: Bearer header,
// in that order.
func TokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if tok := r.Header.Get(TokenHeader); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// AnonymousGate admits everyone. The user id comes from the "user" query
// parameter when present, otherwise a random guest id is assigned.
type AnonymousGate struct{}

func (AnonymousGate) Check(r *http.Request) Decision {
	if user := strings.TrimSpace(r.URL.Query().Get("user")); user != "" {
		return Allow(user)
	}
	return Allow("guest-" + uuid.NewString()[:8])
}

// StaticTokenGate admits requests whose token appears in a fixed table.
type StaticTokenGate struct {
	tokens map[string]string
}

// NewStaticTokenGate copies tokens (token -> user id).
func NewStaticTokenGate(tokens map[string]string) *StaticTokenGate {
	t := make(map[string]string, len(tokens))
	for k, v := range tokens {
		t[k] = v
	}
	return &StaticTokenGate{tokens: t}
}

func (g *StaticTokenGate) Check(r *http.Request) Decision {
	tok := TokenFromRequest(r)
	if tok == "" {
		return Deny("missing token")
	}
	user, ok := g.tokens[tok]
	if !ok {
		return Deny("invalid token")
	}
	return Allow(user)
}
