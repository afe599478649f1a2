package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

func lookup(apiKey, secret string) CredentialLookup {
	return func(workerID string) (string, string, error) {
		if workerID != "w1" {
			return "", "", taskerr.New(taskerr.KindAuthFailure, "no such worker")
		}
		return apiKey, secret, nil
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	out := &APIKey{WorkerID: "w1", Key: "k-123"}
	in := &APIKey{Lookup: lookup("k-123", "")}

	headers, err := out.SignRequest(context.Background(), "Dispatch", nil)
	require.NoError(t, err)

	workerID, err := in.Verify(context.Background(), headers, nil)
	require.NoError(t, err)
	assert.Equal(t, "w1", workerID)
}

func TestAPIKeyMismatch(t *testing.T) {
	out := &APIKey{WorkerID: "w1", Key: "wrong"}
	in := &APIKey{Lookup: lookup("k-123", "")}

	headers, _ := out.SignRequest(context.Background(), "", nil)
	_, err := in.Verify(context.Background(), headers, nil)
	require.Error(t, err)
	assert.Equal(t, taskerr.KindAuthFailure, taskerr.KindOf(err))
}

func TestHMACRoundTripAndReplay(t *testing.T) {
	body := []byte(`{"task_id":"t1"}`)
	out := &HMAC{WorkerID: "w1", Secret: "s3cret"}
	in := &HMAC{Lookup: lookup("", "s3cret"), Window: time.Minute}

	headers, err := out.SignRequest(context.Background(), "", body)
	require.NoError(t, err)

	workerID, err := in.Verify(context.Background(), headers, body)
	require.NoError(t, err)
	assert.Equal(t, "w1", workerID)

	// Same nonce again is a replay.
	_, err = in.Verify(context.Background(), headers, body)
	require.Error(t, err)
	assert.Equal(t, taskerr.KindAuthFailure, taskerr.KindOf(err))
}

func TestHMACTamperedBody(t *testing.T) {
	out := &HMAC{WorkerID: "w1", Secret: "s3cret"}
	in := &HMAC{Lookup: lookup("", "s3cret")}

	headers, _ := out.SignRequest(context.Background(), "", []byte("original"))
	_, err := in.Verify(context.Background(), headers, []byte("tampered"))
	require.Error(t, err)
}

func TestJWTRoundTrip(t *testing.T) {
	j := &JWT{WorkerID: "w1", Secret: []byte("signing-key"), Issuer: "taskforge"}

	headers, err := j.SignRequest(context.Background(), "", nil)
	require.NoError(t, err)

	workerID, err := j.Verify(context.Background(), headers, nil)
	require.NoError(t, err)
	assert.Equal(t, "w1", workerID)
}

func TestJWTWrongSecret(t *testing.T) {
	signer := &JWT{WorkerID: "w1", Secret: []byte("key-a")}
	verifier := &JWT{Secret: []byte("key-b")}

	headers, _ := signer.SignRequest(context.Background(), "", nil)
	_, err := verifier.Verify(context.Background(), headers, nil)
	require.Error(t, err)
	assert.Equal(t, taskerr.KindAuthFailure, taskerr.KindOf(err))
}

func TestJWTValidateAcceptsFreshRejectsGarbage(t *testing.T) {
	j := &JWT{Secret: []byte("k"), TTL: time.Hour}
	token, err := j.Mint("w1", "w1", "")
	require.NoError(t, err)

	// A verifier with no leeway accepts a fresh token.
	claims, err := j.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "w1", claims.WorkerID)

	// Validation of garbage fails.
	_, err = j.Validate("not-a-token")
	require.Error(t, err)
}
