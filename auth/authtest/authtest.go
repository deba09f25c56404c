// Package authtest provides authenticators and key sources for tests.
package authtest

import (
	"context"

	"github.com/ggoodman/capbridge-go/auth"
)

// NoAuth is a test authenticator that accepts any non-empty token.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a new NoAuth authenticator with the specified user ID.
// If userID is empty, it defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

// CheckAuthentication accepts every token.
func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	return noAuthUserInfo{userID: n.UserID}, nil
}

type noAuthUserInfo struct {
	userID string
}

func (n noAuthUserInfo) UserID() string { return n.userID }

func (n noAuthUserInfo) Claims(ref any) error { return nil }

// StaticKey is a fixed auth.KeySource.
type StaticKey []byte

// Key implements auth.KeySource.
func (k StaticKey) Key() []byte { return k }

var (
	_ auth.Authenticator = (*NoAuth)(nil)
	_ auth.KeySource     = StaticKey(nil)
)
