package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinels for the distinct ways a credential can be rejected. Handlers
// map all of them to an unauthorized response; the websocket handshake
// picks its close reason from them.
var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrRevokedToken = errors.New("auth: token revoked")
	ErrBadToken     = errors.New("auth: malformed or expired token")
	ErrNoSubject    = errors.New("auth: token has no subject")
	ErrStaleSession = errors.New("auth: stale session")
)

// Principal is the authenticated identity attached to a request or
// connection.
type Principal struct {
	UserID uint64
	Admin  bool
	Guest  bool
}

// TokenBlacklist answers whether a token was revoked at logout.
type TokenBlacklist interface {
	IsBlacklisted(ctx context.Context, token string) (bool, error)
}

// EpochSource reads a user's current session epoch.
type EpochSource interface {
	SessionEpoch(ctx context.Context, userID uint64) (int64, error)
}

// Verifier validates bearer tokens. The same instance gates HTTP requests
// and the websocket handshake.
type Verifier struct {
	secret    string
	blacklist TokenBlacklist
	epochs    EpochSource
}

func NewVerifier(secret string, blacklist TokenBlacklist, epochs EpochSource) *Verifier {
	return &Verifier{secret: secret, blacklist: blacklist, epochs: epochs}
}

// Verify checks, in order: token present, not revoked, signature and expiry
// valid, subject present, and the embedded epoch still matching the user's
// current one. A mismatched epoch means a newer login superseded this
// session, so the token is rejected even though it is otherwise valid.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}

	if v.blacklist != nil {
		revoked, err := v.blacklist.IsBlacklisted(ctx, token)
		if err != nil {
			return Principal{}, fmt.Errorf("auth: blacklist lookup: %w", err)
		}
		if revoked {
			return Principal{}, ErrRevokedToken
		}
	}

	claims, err := ParseJWT(token, v.secret)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, ErrNoSubject
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return Principal{}, ErrNoSubject
	}

	current, err := v.epochs.SessionEpoch(ctx, userID)
	if err != nil {
		return Principal{}, fmt.Errorf("auth: epoch lookup: %w", err)
	}
	if current != claims.Epoch {
		return Principal{}, ErrStaleSession
	}

	return Principal{UserID: userID, Admin: claims.Admin, Guest: claims.Guest}, nil
}
