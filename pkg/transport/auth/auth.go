// Package auth provides the pluggable Worker-transport authenticators:
// api_key, hmac, and jwt. Exactly one mode is active per deployment,
// selected by AUTH_MODE; mtls is configured at the gRPC credentials layer
// and needs no Authenticator of its own.
package auth

import (
	"context"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

// Metadata keys attached to every authenticated call.
const (
	HeaderWorkerID  = "x-worker-id"
	HeaderAPIKey    = "x-api-key"
	HeaderTimestamp = "x-timestamp"
	HeaderNonce     = "x-nonce"
	HeaderSignature = "x-signature"
	HeaderBearer    = "authorization"
)

// CredentialLookup resolves a Worker's stored credentials. The master wires
// this to pkg/store; the Worker side never needs it.
type CredentialLookup func(workerID string) (apiKey, secretKey string, err error)

// APIKey authenticates calls with a static per-Worker key in x-api-key.
type APIKey struct {
	WorkerID string // outbound side: who we are
	Key      string // outbound side: our key

	Lookup CredentialLookup // inbound side
}

func (a *APIKey) SignRequest(_ context.Context, _ string, _ []byte) (map[string]string, error) {
	return map[string]string{
		HeaderWorkerID: a.WorkerID,
		HeaderAPIKey:   a.Key,
	}, nil
}

func (a *APIKey) Verify(_ context.Context, headers map[string]string, _ []byte) (string, error) {
	workerID := headers[HeaderWorkerID]
	if workerID == "" {
		return "", taskerr.New(taskerr.KindAuthFailure, "missing "+HeaderWorkerID)
	}
	key, _, err := a.Lookup(workerID)
	if err != nil {
		return "", taskerr.Wrap(taskerr.KindAuthFailure, "unknown worker", err)
	}
	if headers[HeaderAPIKey] == "" || headers[HeaderAPIKey] != key {
		return "", taskerr.New(taskerr.KindAuthFailure, "api key mismatch")
	}
	return workerID, nil
}
