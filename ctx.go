package auth

import (
	"context"

	"github.com/google/uuid"
)

var actorCtxKey = &contextKey{"actor"}
var claimsCtxKey = &contextKey{"claims"}

type contextKey struct {
	name string
}

// WithActor stores the actor in the context. Stores read it to fill
// audit columns; engine operations still take the actor explicitly.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey, actor)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorCtxKey).(Actor)
	return actor, ok
}

func actorIDFromContext(ctx context.Context) (string, bool) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.IsZero() {
		return "", false
	}
	return actor.UserID.String(), true
}

// WithClaimsContext sets the AuthClaims in the given context
func WithClaimsContext(ctx context.Context, claims AuthClaims) context.Context {
	ctx = context.WithValue(ctx, claimsCtxKey, claims)
	if actor, err := ActorFromClaims(claims); err == nil {
		ctx = WithActor(ctx, actor)
	}
	return ctx
}

// GetClaims extracts the AuthClaims from the standard context
func GetClaims(ctx context.Context) (AuthClaims, bool) {
	raw, ok := ctx.Value(claimsCtxKey).(AuthClaims)
	return raw, ok
}

// ActorFromClaims builds the explicit caller identity from verified claims.
func ActorFromClaims(claims AuthClaims) (Actor, error) {
	if claims == nil {
		return Actor{}, ErrUnauthenticated
	}

	uid, err := uuid.Parse(claims.UserID())
	if err != nil {
		return Actor{}, ErrTokenMalformed
	}

	actor := Actor{
		UserID: uid,
		Email:  claims.Email(),
		Roles:  claims.Roles(),
	}

	if sid := claims.SessionID(); sid != "" {
		if parsed, err := uuid.Parse(sid); err == nil {
			actor.SessionID = parsed
		}
	}

	return actor, nil
}
