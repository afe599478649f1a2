package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskforge/taskforge/pkg/taskerr"
)

// Claims are the JWT claims Taskforge issues to Workers and WebSocket
// subscribers.
type Claims struct {
	jwt.RegisteredClaims
	WorkerID string `json:"worker_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// JWT authenticates calls with `authorization: Bearer <token>` signed HS256.
type JWT struct {
	WorkerID string // outbound side
	Secret   []byte
	Issuer   string
	TTL      time.Duration // token lifetime when signing; default 1h
	Leeway   time.Duration // clock-skew tolerance when verifying
}

// Mint issues a token for subject with the given worker/user binding.
// Used both by the outbound transport signer and by the master when handing
// a browser a WebSocket token.
func (j *JWT) Mint(subject, workerID, userID string) (string, error) {
	ttl := j.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		WorkerID: workerID,
		UserID:   userID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.Secret)
}

func (j *JWT) SignRequest(_ context.Context, _ string, _ []byte) (map[string]string, error) {
	token, err := j.Mint(j.WorkerID, j.WorkerID, "")
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindInternal, "mint jwt", err)
	}
	return map[string]string{
		HeaderWorkerID: j.WorkerID,
		HeaderBearer:   "Bearer " + token,
	}, nil
}

// Validate parses and verifies token, returning its claims.
func (j *JWT) Validate(token string) (*Claims, error) {
	if token == "" {
		return nil, taskerr.New(taskerr.KindAuthFailure, "empty token")
	}
	parser := jwt.NewParser(jwt.WithLeeway(j.Leeway), jwt.WithValidMethods([]string{"HS256"}))
	parsed, err := parser.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return j.Secret, nil
	})
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindAuthFailure, "invalid token", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, taskerr.New(taskerr.KindAuthFailure, "invalid claims")
	}
	if j.Issuer != "" && claims.Issuer != j.Issuer {
		return nil, taskerr.New(taskerr.KindAuthFailure, "issuer mismatch")
	}
	return claims, nil
}

func (j *JWT) Verify(_ context.Context, headers map[string]string, _ []byte) (string, error) {
	bearer := headers[HeaderBearer]
	token, found := strings.CutPrefix(bearer, "Bearer ")
	if !found {
		return "", taskerr.New(taskerr.KindAuthFailure, "missing bearer token")
	}
	claims, err := j.Validate(token)
	if err != nil {
		return "", err
	}
	workerID := claims.WorkerID
	if workerID == "" {
		workerID = headers[HeaderWorkerID]
	}
	if workerID == "" {
		return "", taskerr.New(taskerr.KindAuthFailure, "token carries no worker_id")
	}
	if hdr := headers[HeaderWorkerID]; hdr != "" && hdr != workerID {
		return "", taskerr.New(taskerr.KindAuthFailure, "worker_id header does not match token")
	}
	return workerID, nil
}
