package federation

import (
	"context"
	"crypto/subtle"
	"net/http"

	"fedchat-backend/internal/apperr"
	"fedchat-backend/internal/models"
)

type CallerKind int

const (
	// CallerPeer presented the token of a registered server.
	CallerPeer CallerKind = iota
	// CallerSupplemental presented an admin-issued federation token.
	CallerSupplemental
	// CallerSelf presented this server's own token.
	CallerSelf
)

func (k CallerKind) String() string {
	switch k {
	case CallerPeer:
		return "peer"
	case CallerSupplemental:
		return "supplemental"
	case CallerSelf:
		return "self"
	default:
		return "unknown"
	}
}

// Caller is an authenticated federation client. Server is set only for CallerPeer.
type Caller struct {
	Kind   CallerKind
	Server *models.Server
}

// ServerName is the name of the calling peer, or "" when the caller has no identity.
func (c Caller) ServerName() string {
	if c.Server == nil {
		return ""
	}
	return c.Server.Name
}

// Validator checks federation credentials. Nothing is cached, so revoking a
// token takes effect on the next request.
type Validator struct {
	store        Store
	localName    string
	primaryToken string
}

func NewValidator(store Store, localName, primaryToken string) *Validator {
	return &Validator{store: store, localName: localName, primaryToken: primaryToken}
}

func TokenFromRequest(r *http.Request) string {
	return r.Header.Get(TokenHeader)
}

func (v *Validator) isPrimary(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(v.primaryToken)) == 1
}

// Authenticate tries the server table, then supplemental tokens, then the primary token.
func (v *Validator) Authenticate(ctx context.Context, token string) (Caller, error) {
	if token == "" {
		return Caller{}, apperr.Unauthorized("missing %s header", TokenHeader)
	}

	server, err := v.store.GetPeerByToken(ctx, token, v.localName)
	if err != nil {
		return Caller{}, apperr.Internal(err)
	}
	if server != nil {
		return Caller{Kind: CallerPeer, Server: server}, nil
	}

	valid, err := v.store.IsValidFederationToken(ctx, token)
	if err != nil {
		return Caller{}, apperr.Internal(err)
	}
	if valid {
		return Caller{Kind: CallerSupplemental}, nil
	}

	if v.isPrimary(token) {
		return Caller{Kind: CallerSelf}, nil
	}
	return Caller{}, apperr.Unauthorized("invalid federation token")
}

// AuthenticateAs requires the token to belong to the named server, or to be a
// supplemental or primary token. The named server must be registered.
func (v *Validator) AuthenticateAs(ctx context.Context, token, serverName string) (*models.Server, error) {
	if token == "" {
		return nil, apperr.Unauthorized("missing %s header", TokenHeader)
	}

	server, err := v.store.GetServerByName(ctx, serverName)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if server == nil {
		return nil, apperr.Unauthorized("unknown server %q", serverName)
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(server.Token)) == 1 {
		return server, nil
	}

	valid, err := v.store.IsValidFederationToken(ctx, token)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if valid || v.isPrimary(token) {
		return server, nil
	}
	return nil, apperr.Unauthorized("token does not belong to %q", serverName)
}
