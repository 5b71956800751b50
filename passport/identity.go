package passport

import (
	"context"
)

type contextKeyT struct{}

var identCtxKey = contextKeyT{}

// Identity is who a request claims to be. The zero value is anonymous.
type Identity struct {
	UserID    string
	SessionID string
}

func (i Identity) IsLoggedIn() bool { return i.UserID != "" }

// ToContext stores the identity in a context
func ToContext(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identCtxKey, ident)
}

// FromContext retrieves identity from a context
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	if i, ok := ctx.Value(identCtxKey).(Identity); ok {
		return i, true
	}
	return Identity{}, false
}
