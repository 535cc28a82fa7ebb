// Package auth implements the bearer-token model binding a caller identity
// to a specific actor.
//
// Tokens are HS256 JWS blobs:
//
//	payload = {"jti": actorId,
//	           "sub": "<callerType>-<callerId|\"anonymous\">",
//	           "aud": actorType,
//	           "exp": now + 30d}
//
// Connection tokens have the same shape but carry a connectionId in jti and
// live for one day; a re-entering client uses one to reclaim its server-side
// caller record without re-presenting its access token.
//
// SECURITY: verification pins the signing method to HMAC. Tokens signed with
// "none" or any asymmetric algorithm are rejected, which closes both the
// no-signature attack and the RS256 public-key-as-HMAC-secret substitution.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jonmumm/actor-kit/internal/actor"
	"github.com/jonmumm/actor-kit/internal/apperr"
)

const (
	// AccessTokenTTL is the lifetime of an access token.
	AccessTokenTTL = 30 * 24 * time.Hour

	// ConnectionTokenTTL is the lifetime of a connection token.
	ConnectionTokenTTL = 24 * time.Hour
)

// IssueAccessToken mints an access token binding caller to the actor at
// (actorType, actorID).
func IssueAccessToken(signingKey string, actorType, actorID string, caller actor.Caller) (string, error) {
	return issue(signingKey, actorType, actorID, caller, AccessTokenTTL)
}

// IssueConnectionToken mints a connection token for connectionID scoped to
// actorType.
func IssueConnectionToken(signingKey string, actorType, connectionID string, caller actor.Caller) (string, error) {
	return issue(signingKey, actorType, connectionID, caller, ConnectionTokenTTL)
}

func issue(signingKey, actorType, jti string, caller actor.Caller, ttl time.Duration) (string, error) {
	if signingKey == "" {
		return "", errors.New("signing key is empty")
	}
	if err := caller.Validate(); err != nil {
		return "", fmt.Errorf("invalid caller: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        jti,
		Subject:   caller.String(),
		Audience:  jwt.ClaimStrings{actorType},
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(signingKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyAccess validates an access token against the expected actor address
// and returns the caller it binds. Every failure surfaces as UNAUTHORIZED
// with a diagnostic pointing the caller at the token helper.
func VerifyAccess(signingKey, tokenString, expectedActorType, expectedActorID string) (actor.Caller, *apperr.AppError) {
	claims, appErr := parse(signingKey, tokenString, expectedActorType)
	if appErr != nil {
		return actor.Caller{}, appErr
	}
	if claims.ID != expectedActorID {
		return actor.Caller{}, unauthorized(fmt.Sprintf("token is bound to a different actor id (%s)", claims.ID))
	}
	return subjectCaller(claims)
}

// VerifyConnection validates a connection token scoped to expectedActorType
// and returns the caller plus the connection id carried in jti.
func VerifyConnection(signingKey, tokenString, expectedActorType string) (actor.Caller, string, *apperr.AppError) {
	claims, appErr := parse(signingKey, tokenString, expectedActorType)
	if appErr != nil {
		return actor.Caller{}, "", appErr
	}
	if claims.ID == "" {
		return actor.Caller{}, "", unauthorized("connection token is missing its connection id")
	}
	caller, err := subjectCaller(claims)
	if err != nil {
		return actor.Caller{}, "", err
	}
	return caller, claims.ID, nil
}

func parse(signingKey, tokenString, expectedActorType string) (*jwt.RegisteredClaims, *apperr.AppError) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Pin the signing method; see the package comment.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return nil, unauthorized(fmt.Sprintf("token rejected: %v", err))
	}
	if !token.Valid {
		return nil, unauthorized("token rejected")
	}
	if !audienceContains(claims.Audience, expectedActorType) {
		return nil, unauthorized(fmt.Sprintf("token audience %v does not cover actor type %q", claims.Audience, expectedActorType))
	}
	return claims, nil
}

func subjectCaller(claims *jwt.RegisteredClaims) (actor.Caller, *apperr.AppError) {
	caller, err := actor.ParseCaller(claims.Subject)
	if err != nil {
		return actor.Caller{}, unauthorized(fmt.Sprintf("token subject %q is not a caller: %v", claims.Subject, err))
	}
	// System callers are synthesized by the host, never accepted from the wire.
	if caller.Type == actor.CallerSystem {
		return actor.Caller{}, unauthorized("system callers cannot authenticate over the wire")
	}
	return caller, nil
}

func audienceContains(aud jwt.ClaimStrings, actorType string) bool {
	for _, a := range aud {
		if a == actorType {
			return true
		}
	}
	return false
}

func unauthorized(reason string) *apperr.AppError {
	return apperr.NewWithDetails(
		apperr.ErrCodeUnauthorized,
		"access denied; mint a valid token with auth.IssueAccessToken and pass it as a Bearer token (or the accessToken query parameter for WebSocket upgrades)",
		reason,
	)
}
