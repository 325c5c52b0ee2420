package auth

import "context"

// ClaimsDecorator adds application claims to an access token before it
// is signed. Only Metadata may change; identity, session and timing
// claims are checked after the decorator runs.
type ClaimsDecorator interface {
	Decorate(ctx context.Context, identity Identity, claims *JWTClaims) error
}

// ClaimsDecoratorFunc adapts a function into a ClaimsDecorator.
type ClaimsDecoratorFunc func(ctx context.Context, identity Identity, claims *JWTClaims) error

// Decorate implements ClaimsDecorator.
func (f ClaimsDecoratorFunc) Decorate(ctx context.Context, identity Identity, claims *JWTClaims) error {
	if f == nil {
		return nil
	}
	return f(ctx, identity, claims)
}

// decorate runs d and rejects any change to protected claims.
func decorate(ctx context.Context, d ClaimsDecorator, identity Identity, claims *JWTClaims) error {
	if d == nil {
		return nil
	}
	snap := captureImmutableClaims(claims)
	if err := d.Decorate(ctx, identity, claims); err != nil {
		return err
	}
	return snap.validate(claims)
}
