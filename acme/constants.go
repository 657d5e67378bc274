// Package acme provides ACME protocol constants and the error taxonomy
// shared by the certgw components. See RFC 8555.
package acme

const (
	// Directory constants
	// See https://tools.ietf.org/html/rfc8555#section-9.7.5

	// The ACME directory key for the newNonce endpoint
	NEW_NONCE_ENDPOINT = "newNonce"
	// The ACME directory key for the newAccount endpoint.
	NEW_ACCOUNT_ENDPOINT = "newAccount"
	// The ACME directory key for the newOrder endpoint.
	NEW_ORDER_ENDPOINT = "newOrder"

	// The HTTP response header used by ACME to communicate a fresh nonce. See
	// https://tools.ietf.org/html/rfc8555#section-9.3
	REPLAY_NONCE_HEADER = "Replay-Nonce"

	// The HTTP response header used by ACME servers to hint how long a client
	// should wait before polling a resource again.
	RETRY_AFTER_HEADER = "Retry-After"
)

// Status values for Order, Authorization and Challenge resources.
// See https://tools.ietf.org/html/rfc8555#section-7.1.6
const (
	StatusPending     = "pending"
	StatusProcessing  = "processing"
	StatusReady       = "ready"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusExpired     = "expired"
	StatusRevoked     = "revoked"
	StatusDeactivated = "deactivated"
)

// ChallengeTypeHTTP01 is the only challenge type certgw completes. The
// renewal target controls HTTP content for its domains but not DNS.
const ChallengeTypeHTTP01 = "http-01"

// BadNonceProblem is the problem document type an ACME server returns when
// a JWS carried a stale anti-replay nonce.
// See https://tools.ietf.org/html/rfc8555#section-6.5
const BadNonceProblem = "urn:ietf:params:acme:error:badNonce"
