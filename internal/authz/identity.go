// LabTrail - Laboratory Inventory, Scheduling and Audit Platform
// Copyright 2026 M. Fedyk (mfedyk)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mfedyk/labtrail

// Package authz resolves the request identity from a signed bearer token and
// answers capability questions about it. Account management, login and token
// issuance all live upstream; LabTrail only verifies the signature and reads
// (user, role) out of the claims.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mfedyk/labtrail/internal/models"
)

var (
	// ErrNoToken indicates the request carried no bearer token.
	ErrNoToken = errors.New("authz: no bearer token")

	// ErrExpiredToken indicates the token signature was valid but the token
	// has expired.
	ErrExpiredToken = errors.New("authz: token expired")

	// ErrInvalidToken covers every other verification failure.
	ErrInvalidToken = errors.New("authz: invalid token")
)

// Identity is the resolved caller of a request.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Role   string
}

// IsAnonymous reports whether the identity cannot act on its own behalf.
// Guests are treated the same as missing identities everywhere that matters:
// they may not write audit events, read notifications or hold a live channel.
func (id Identity) IsAnonymous() bool {
	return id.UserID == "" || id.Role == models.RoleGuest
}

// Verifier validates HS256 bearer tokens against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates tokenStr and returns the identity carried in
// its claims. The role claim must be one of the known roles.
func (v *Verifier) Verify(tokenStr string) (Identity, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	id := Identity{
		UserID: claimString(claims, "sub"),
		Email:  claimString(claims, "email"),
		Name:   claimString(claims, "name"),
		Role:   claimString(claims, "role"),
	}
	if id.UserID == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	if !models.IsValidRole(id.Role) {
		return Identity{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, id.Role)
	}
	return id, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// Allow is the single capability check. It reports whether role may perform
// an operation restricted to the given roles. Admin passes every check,
// guests pass none. An empty required list means any authenticated
// non-guest role.
func Allow(role string, required ...string) bool {
	if role == models.RoleGuest || role == "" {
		return false
	}
	if role == models.RoleAdmin {
		return true
	}
	if len(required) == 0 {
		return models.IsValidRole(role)
	}
	for _, r := range required {
		if role == r {
			return true
		}
	}
	return false
}

type contextKey struct{}

// ContextWithIdentity stores the identity on the context.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFromContext returns the identity stored by the middleware, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}
