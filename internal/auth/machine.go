// ABOUTME: Machine credential verification for kernel tunnel binds
// ABOUTME: Holds bcrypt hashes of per-machine tokens plus an optional shared fleet token

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrBadCredential is returned when a tunnel bind presents a token that does
// not match the machine's configured credential.
var ErrBadCredential = errors.New("bad machine credential")

// MachineAuthenticator defines the interface for authenticating tunnel binds
type MachineAuthenticator interface {
	AuthenticateMachine(machineID, token string) error
}

// MachineCredentials authenticates tunnel binds against configured tokens.
// Plaintext tokens from the config are hashed once at construction; binds
// compare with bcrypt. A machine with its own configured token is checked
// only against that token; machines without one fall back to the shared
// fleet token. With no tokens configured at all the store is open and every
// bind is accepted.
type MachineCredentials struct {
	hashes    map[string][]byte
	fleetHash []byte
}

// NewMachineCredentials hashes the configured machine tokens and the optional
// shared fleet token.
func NewMachineCredentials(machineTokens map[string]string, fleetToken string) (*MachineCredentials, error) {
	mc := &MachineCredentials{hashes: make(map[string][]byte, len(machineTokens))}

	for machineID, token := range machineTokens {
		if machineID == "" || token == "" {
			return nil, fmt.Errorf("machine token entry for %q must have a non-empty id and token", machineID)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing token for machine %q: %w", machineID, err)
		}
		mc.hashes[machineID] = hash
	}

	if fleetToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(fleetToken), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hashing fleet token: %w", err)
		}
		mc.fleetHash = hash
	}

	return mc, nil
}

// Open reports whether no credentials are configured at all, meaning every
// bind is accepted. Callers should warn when running this way.
func (mc *MachineCredentials) Open() bool {
	return len(mc.hashes) == 0 && mc.fleetHash == nil
}

// AuthenticateMachine checks the presented token for the given machine id.
// Returns ErrBadCredential on any mismatch; the reason is deliberately not
// distinguished.
func (mc *MachineCredentials) AuthenticateMachine(machineID, token string) error {
	if mc.Open() {
		return nil
	}

	if hash, ok := mc.hashes[machineID]; ok {
		if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
			return nil
		}
		return ErrBadCredential
	}

	if mc.fleetHash != nil && bcrypt.CompareHashAndPassword(mc.fleetHash, []byte(token)) == nil {
		return nil
	}

	return ErrBadCredential
}
