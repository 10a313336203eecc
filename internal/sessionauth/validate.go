package sessionauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattv8/pangolin/internal/store"
)

// Result is the outcome of a session-validation lookup.
type Result struct {
	Valid     bool
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// Validator looks up a session token against the store. Any lookup
// failure short of a genuine internal fault resolves to
// Result{Valid:false} rather than an error, so invalid input never
// produces anything but a 200 at the HTTP layer.
type Validator struct {
	store *store.Store
	now   func() time.Time
}

func NewValidator(st *store.Store) *Validator {
	return &Validator{store: st, now: time.Now}
}

// Validate looks up token:
//  1. no row, or row expired -> {valid:false}, nil error
//  2. user missing -> {valid:false}, nil error
//  3. found -> {valid:true, userId, email, expiresAt}
//  4. any internal store error -> zero Result, non-nil error (caller maps to 500)
func (v *Validator) Validate(ctx context.Context, token string) (Result, error) {
	if token == "" {
		return Result{Valid: false}, nil
	}

	sess, err := v.store.SessionByToken(ctx, token, v.now())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Valid: false}, nil
		}
		return Result{}, fmt.Errorf("lookup session: %w", err)
	}

	user, err := v.store.UserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{Valid: false}, nil
		}
		return Result{}, fmt.Errorf("lookup user: %w", err)
	}

	return Result{
		Valid:     true,
		UserID:    user.ID,
		Email:     user.Email,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}
