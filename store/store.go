// Package store defines where http-01 challenge responses are published.
// A ChallengeStore is the writable side of whatever serves
// /.well-known/acme-challenge/ for the domains being validated.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ChallengePrefix is the well-known path prefix validation servers fetch
// challenge responses from.
//
// See https://tools.ietf.org/html/rfc8555#section-8.3
const ChallengePrefix = ".well-known/acme-challenge/"

// ChallengePath returns the object path for a challenge token.
func ChallengePath(token string) string {
	return ChallengePrefix + token
}

// A ChallengeStore publishes and withdraws challenge response bodies at
// given paths. Put must leave the body readable by the validation server
// at the path before returning. Delete of a path that does not exist must
// succeed, so withdrawing artifacts is safe to repeat.
type ChallengeStore interface {
	Put(ctx context.Context, path string, body []byte) error
	Delete(ctx context.Context, path string) error
}

// A TransientError marks a store failure worth retrying, such as a
// throttle or a gateway timeout. Anything else is treated as permanent.
type TransientError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error in %s %q: %s", e.Op, e.Path, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is, or wraps, a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
