package esi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/evetrade/ledger-engine/internal/model"
)

type authKind int

const (
	authPublic authKind = iota
	authPrincipal
	authToken
)

// Auth selects how a request authenticates. Build one with Public,
// AsPrincipal or WithToken; the zero value is Public.
type Auth struct {
	kind      authKind
	principal *model.Principal
	token     string
}

// Public sends no Authorization header.
func Public() Auth { return Auth{kind: authPublic} }

// AsPrincipal authenticates with a stored principal's access token,
// refreshing it when needed.
func AsPrincipal(p *model.Principal) Auth { return Auth{kind: authPrincipal, principal: p} }

// WithToken uses a caller-supplied access token as-is, for tokens that are
// not tied to a stored principal yet.
func WithToken(accessToken string) Auth { return Auth{kind: authToken, token: accessToken} }

// Identity is the cache partition for this auth mode. It never contains
// the raw token.
func (a Auth) Identity() string {
	switch a.kind {
	case authPrincipal:
		if a.principal == nil {
			return "unknown"
		}
		return fmt.Sprintf("principal:%d", a.principal.ID)
	case authToken:
		sum := sha256.Sum256([]byte(a.token))
		return "token:" + hex.EncodeToString(sum[:])[:12]
	default:
		return "public"
	}
}

func (a Auth) String() string { return a.Identity() }
