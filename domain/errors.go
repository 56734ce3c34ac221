package domain

import "errors"

// Lobby error taxonomy. These are sentinel values so callers can branch with
// errors.Is; the gateways translate them into HTTP statuses or event
// payloads, never the other way around.
var (
	// ErrValidation covers malformed input rejected before any state is read.
	ErrValidation = errors.New("invalid request")

	// ErrNotFound is returned when the referenced room, member or network
	// config does not exist. No side effects.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is a business-rule rejection: wrong room password or
	// missing credentials. No side effects.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCapacityExceeded is returned by join when the room is full.
	ErrCapacityExceeded = errors.New("room is full")

	// ErrResourceExhausted means the subnet/port/address pool has no free
	// slot. Callers may retry later once rooms close.
	ErrResourceExhausted = errors.New("resource pool exhausted")

	// ErrProvisioningFailed means the external VPN tool failed while
	// bringing a network up; all partial state has been rolled back.
	ErrProvisioningFailed = errors.New("network provisioning failed")

	// ErrPeerRegistrationFailed means the external VPN tool rejected a peer
	// registration; the peer row has been rolled back.
	ErrPeerRegistrationFailed = errors.New("peer registration failed")
)

// ErrorResponse is the JSON error body returned by all HTTP endpoints.
type ErrorResponse struct {
	Message string `json:"message"`
}
