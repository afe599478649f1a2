package main

import (
	"google.golang.org/grpc"

	"github.com/taskforge/taskforge/pkg/config"
	"github.com/taskforge/taskforge/pkg/store"
	"github.com/taskforge/taskforge/pkg/transport"
	"github.com/taskforge/taskforge/pkg/transport/auth"
)

// buildAuthenticator constructs the Master-side (inbound) authenticator for
// the configured AUTH_MODE. mtls returns nil: client-certificate checking
// happens at the gRPC credentials layer, not per call.
func buildAuthenticator(cfg config.Config, st store.Store) transport.Authenticator {
	lookup := func(workerID string) (string, string, error) {
		w, err := st.GetWorker(workerID)
		if err != nil {
			return "", "", err
		}
		return w.APIKey, w.SecretKey, nil
	}

	switch cfg.AuthMode {
	case "hmac":
		return &auth.HMAC{Lookup: lookup}
	case "jwt":
		return &auth.JWT{Secret: []byte(cfg.JWTSecret), Issuer: "taskforge"}
	case "mtls":
		return nil
	default:
		return &auth.APIKey{Lookup: lookup}
	}
}

// authServerOption wraps authn as a gRPC server option; a nil authenticator
// yields a pass-through.
func authServerOption(authn transport.Authenticator) grpc.ServerOption {
	if authn == nil {
		return grpc.ChainUnaryInterceptor()
	}
	return grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(authn))
}

// authClientOption builds the Worker-side (outbound) signing interceptor:
// HMAC when a secret key is configured, plain api_key otherwise.
func authClientOption(workerID, apiKey, secretKey string) grpc.DialOption {
	var authn transport.Authenticator
	if secretKey != "" {
		authn = &auth.HMAC{WorkerID: workerID, Secret: secretKey}
	} else {
		authn = &auth.APIKey{WorkerID: workerID, Key: apiKey}
	}
	return grpc.WithChainUnaryInterceptor(auth.UnaryClientInterceptor(authn))
}
