package acme

import (
	"fmt"
	"strings"

	"github.com/opsforge/certgw/acme/resources"
)

// ProtocolError indicates the ACME server rejected a request. It is fatal
// for the renewal run: the CA has told us, via a problem document or a bare
// unexpected status code, that it will not perform the requested operation.
type ProtocolError struct {
	// The client operation that was rejected, e.g. "newOrder".
	Operation string
	// The HTTP status code of the rejection.
	StatusCode int
	// The problem document from the response body, if one could be decoded.
	// See RFC 7807 and https://tools.ietf.org/html/rfc8555#section-6.7
	Problem *resources.Problem
}

func (e *ProtocolError) Error() string {
	if e.Problem != nil {
		return fmt.Sprintf("acme: %s rejected by server (status %d): %s: %s",
			e.Operation, e.StatusCode, e.Problem.Type, e.Problem.Detail)
	}
	return fmt.Sprintf("acme: %s rejected by server (status %d)",
		e.Operation, e.StatusCode)
}

// BadNonce reports whether the server rejected the request because the JWS
// carried a stale anti-replay nonce. Such rejections are retried once with
// a fresh nonce before being surfaced.
func (e *ProtocolError) BadNonce() bool {
	return e.Problem != nil && e.Problem.Type == BadNonceProblem
}

// StateError indicates an operation was invoked out of its required order,
// e.g. finalizing an order that is not "ready". It marks a contract
// violation by the caller, not a server-side failure.
type StateError struct {
	Operation string
	Reason    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("acme: %s: %s", e.Operation, e.Reason)
}

// UnsupportedChallengeError indicates an authorization offered no challenge
// of the type this client can complete. The whole order aborts since every
// identifier in it must validate.
type UnsupportedChallengeError struct {
	// The domain whose authorization lacked a usable challenge.
	Identifier string
	// The challenge types the server offered instead.
	Offered []string
}

func (e *UnsupportedChallengeError) Error() string {
	return fmt.Sprintf("acme: no %q challenge offered for %q (offered: %s)",
		ChallengeTypeHTTP01, e.Identifier, strings.Join(e.Offered, ", "))
}
