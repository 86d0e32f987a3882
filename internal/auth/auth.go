// Package auth implements the Hub's pluggable credential validation
// (spec.md §1 Non-goals: "authentication policy (credential format is
// pluggable)"). The Hub itself stores no credential material; it only
// extracts the X-Cauce-API-Key and Authorization: Bearer headers and
// asks an injected Validator to resolve them to a client id.
package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

// Method names which credential form authenticated a request.
type Method string

const (
	MethodAPIKey  Method = "api_key"
	MethodBearer  Method = "bearer_token"
	MethodNone    Method = "none"
)

// Result is the outcome of validating one request's credentials.
type Result struct {
	Authenticated bool
	ClientID      string
	Method        Method
	Error         string
}

func success(clientID string, method Method) Result {
	return Result{Authenticated: true, ClientID: clientID, Method: method}
}

func failure(method Method, reason string) Result {
	return Result{Authenticated: false, Method: method, Error: reason}
}

func none() Result {
	return Result{Authenticated: false, Method: MethodNone, Error: "no authentication provided"}
}

// Validator resolves a credential to a client id. Implementations may
// be backed by memory, a database, or a JWT issuer.
type Validator interface {
	ValidateAPIKey(ctx context.Context, apiKey string) (clientID string, ok bool, err error)
	ValidateBearerToken(ctx context.Context, token string) (clientID string, ok bool, err error)
}

// Authenticate extracts X-Cauce-API-Key (checked first) or an
// `Authorization: Bearer` header from r and resolves it via v
// (original_source auth/mod.rs: "API key takes precedence" when both are
// present).
func Authenticate(ctx context.Context, v Validator, r *http.Request) Result {
	if apiKey := r.Header.Get("X-Cauce-API-Key"); apiKey != "" {
		clientID, ok, err := v.ValidateAPIKey(ctx, apiKey)
		if err != nil {
			return failure(MethodAPIKey, err.Error())
		}
		if !ok {
			return failure(MethodAPIKey, "invalid API key")
		}
		return success(clientID, MethodAPIKey)
	}

	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok {
			clientID, valid, err := v.ValidateBearerToken(ctx, token)
			if err != nil {
				return failure(MethodBearer, err.Error())
			}
			if !valid {
				return failure(MethodBearer, "invalid bearer token")
			}
			return success(clientID, MethodBearer)
		}
	}

	return none()
}

// InMemoryValidator stores API keys and bearer tokens as plain maps
// guarded by a RWMutex, matching original_source's DashMap-backed
// InMemoryAuthValidator.
type InMemoryValidator struct {
	mu           sync.RWMutex
	apiKeys      map[string]string
	bearerTokens map[string]string
}

// NewInMemoryValidator creates an empty validator.
func NewInMemoryValidator() *InMemoryValidator {
	return &InMemoryValidator{
		apiKeys:      make(map[string]string),
		bearerTokens: make(map[string]string),
	}
}

// AddAPIKey registers an API key for clientID.
func (v *InMemoryValidator) AddAPIKey(clientID, apiKey string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.apiKeys[apiKey] = clientID
}

// AddBearerToken registers a bearer token for clientID.
func (v *InMemoryValidator) AddBearerToken(clientID, token string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bearerTokens[token] = clientID
}

// RemoveAPIKey deregisters an API key, returning the client id it was
// bound to, if any.
func (v *InMemoryValidator) RemoveAPIKey(apiKey string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	clientID, ok := v.apiKeys[apiKey]
	delete(v.apiKeys, apiKey)
	return clientID, ok
}

// RemoveBearerToken deregisters a bearer token, returning the client id
// it was bound to, if any.
func (v *InMemoryValidator) RemoveBearerToken(token string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	clientID, ok := v.bearerTokens[token]
	delete(v.bearerTokens, token)
	return clientID, ok
}

func (v *InMemoryValidator) ValidateAPIKey(_ context.Context, apiKey string) (string, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	clientID, ok := v.apiKeys[apiKey]
	return clientID, ok, nil
}

func (v *InMemoryValidator) ValidateBearerToken(_ context.Context, token string) (string, bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	clientID, ok := v.bearerTokens[token]
	return clientID, ok, nil
}
