package override

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks a disable confirmation token for the given actor.
type Verifier interface {
	Verify(ctx context.Context, token, actor string) error
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token, actor string) error

func (f VerifierFunc) Verify(ctx context.Context, token, actor string) error {
	return f(ctx, token, actor)
}

// DisableAction is the action claim a disable confirmation token must carry.
const DisableAction = "override.disable"

// ConfirmationClaims are the claims of a disable confirmation token.
type ConfirmationClaims struct {
	jwt.RegisteredClaims
	Action string `json:"action"`
}

// JWTVerifier accepts HS256 tokens signed with Key whose action claim is
// DisableAction. When the subject is set it must equal the disabling actor.
type JWTVerifier struct {
	Key    []byte
	Issuer string
}

func (v JWTVerifier) Verify(_ context.Context, token, actor string) error {
	if len(v.Key) == 0 {
		return errors.New("jwt verifier has no key")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &ConfirmationClaims{}, func(*jwt.Token) (any, error) {
		return v.Key, nil
	}, opts...)
	if err != nil {
		return err
	}
	claims, ok := parsed.Claims.(*ConfirmationClaims)
	if !ok || !parsed.Valid {
		return jwt.ErrTokenSignatureInvalid
	}
	if claims.Action != DisableAction {
		return fmt.Errorf("token action %q is not %q", claims.Action, DisableAction)
	}
	if claims.Subject != "" && claims.Subject != actor {
		return fmt.Errorf("token subject %q does not match actor %q", claims.Subject, actor)
	}
	return nil
}

// SignConfirmation issues a confirmation token for actor. Used by operators
// holding the shared key.
func SignConfirmation(key []byte, issuer, actor string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = actor
	if issuer != "" {
		claims.Issuer = issuer
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, ConfirmationClaims{
		RegisteredClaims: claims,
		Action:           DisableAction,
	})
	return tok.SignedString(key)
}
