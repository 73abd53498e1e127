package server

import (
	"context"
	"errors"
	"strings"

	"github.com/stratahq/strata/internal/middleware"
)

var errInvalidAPIKey = errors.New("invalid api key")

// apiKeyLookup is the narrow slice of internal/repository.PostgresRepository
// APIKeyValidator needs -- small enough to fake in tests without a database.
type apiKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (hash string, projectID string, err error)
}

// APIKeyValidator implements middleware.TokenValidator by looking up a
// bearer token of the form "keyID.secret" against the repository's
// bcrypt-hashed api_keys table.
type APIKeyValidator struct {
	repo apiKeyLookup
}

// NewAPIKeyValidator wraps repo as a middleware.TokenValidator.
func NewAPIKeyValidator(repo apiKeyLookup) *APIKeyValidator {
	return &APIKeyValidator{repo: repo}
}

var _ middleware.TokenValidator = (*APIKeyValidator)(nil)

// ValidateToken parses "keyID.secret", looks up keyID's stored hash, and
// compares it against secret. Returns the owning project ID on success.
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	keyID, secret, ok := strings.Cut(token, ".")
	if !ok || keyID == "" || secret == "" {
		return "", errInvalidAPIKey
	}

	hash, projectID, err := v.repo.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", errInvalidAPIKey
	}

	if !middleware.APIKeyMatchesHash(hash, secret) {
		return "", errInvalidAPIKey
	}

	return projectID, nil
}
