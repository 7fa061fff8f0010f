package orchestrator

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xstatenet/core/pkg/xsm"
)

// GroupClaims is the JWT claim set a channel-group token carries: the
// caller's identity and the channel group it is authorized to send
// into or receive from. Issued out-of-band (e.g. by the admin
// surface) and presented to RegisterWithToken on an orchestrator that
// runs with Config.RequireSignedGroups.
type GroupClaims struct {
	jwt.RegisteredClaims
	ChannelGroup int `json:"channelGroup"`
}

// TokenIssuer signs and verifies channel-group membership tokens with
// an HMAC secret, grounded on the teacher's JWTTokenGenerator.
type TokenIssuer struct {
	secret []byte
	issuer string
}

// NewTokenIssuer builds a TokenIssuer over a shared secret. issuer, if
// set, is checked on verification against the token's "iss" claim.
func NewTokenIssuer(secret []byte, issuer string) *TokenIssuer {
	return &TokenIssuer{secret: secret, issuer: issuer}
}

// Issue mints a token asserting subject's membership in channelGroup,
// valid for ttl.
func (t *TokenIssuer) Issue(subject string, channelGroup int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := GroupClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ChannelGroup: channelGroup,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify parses tokenString and returns the channel group it asserts,
// rejecting expired tokens, bad signatures, and algorithm confusion
// (only HMAC is accepted).
func (t *TokenIssuer) Verify(tokenString string) (GroupClaims, error) {
	var claims GroupClaims
	parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if t.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(t.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("orchestrator: unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, parserOpts...)
	if err != nil {
		return GroupClaims{}, fmt.Errorf("orchestrator: invalid channel-group token: %w", err)
	}
	if !token.Valid {
		return GroupClaims{}, fmt.Errorf("orchestrator: channel-group token not valid")
	}
	return claims, nil
}

// RegisterWithToken is the Register entry point for hosts constructed
// with Config.RequireSignedGroups: channelGroup is taken from a
// verified token's claim rather than trusted directly from the
// caller. Plain Register does not consult RequireSignedGroups and
// still accepts whatever channelGroup its caller passes.
func (o *Orchestrator) RegisterWithToken(id string, machine xsm.Machine, issuer *TokenIssuer, tokenString string) error {
	if !o.cfg.RequireSignedGroups {
		return fmt.Errorf("orchestrator: RegisterWithToken requires Config.RequireSignedGroups")
	}
	claims, err := issuer.Verify(tokenString)
	if err != nil {
		return err
	}
	return o.Register(id, machine, claims.ChannelGroup)
}
