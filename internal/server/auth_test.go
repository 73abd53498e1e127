package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratahq/strata/internal/middleware"
)

type fakeAPIKeyLookup struct {
	hash      string
	projectID string
	err       error
	calls     int
	gotID     string
}

func (f *fakeAPIKeyLookup) ValidateAPIKey(_ context.Context, id string) (string, string, error) {
	f.calls++
	f.gotID = id
	if f.err != nil {
		return "", "", f.err
	}
	return f.hash, f.projectID, nil
}

func mustHashAPIKey(t *testing.T, secret string) string {
	t.Helper()
	hash, err := middleware.HashAPIKey(secret)
	require.NoError(t, err)
	return hash
}

func TestAPIKeyValidator_InvalidTokenFormat(t *testing.T) {
	lookup := &fakeAPIKeyLookup{}
	validator := NewAPIKeyValidator(lookup)

	for _, token := range []string{"", "no-delimiter", ".secret", "key."} {
		_, err := validator.ValidateToken(context.Background(), token)
		assert.ErrorIs(t, err, errInvalidAPIKey)
	}
	assert.Zero(t, lookup.calls)
}

func TestAPIKeyValidator_LookupError(t *testing.T) {
	lookup := &fakeAPIKeyLookup{err: errors.New("db unavailable")}
	validator := NewAPIKeyValidator(lookup)

	_, err := validator.ValidateToken(context.Background(), "key.secret")
	assert.ErrorIs(t, err, errInvalidAPIKey)
}

func TestAPIKeyValidator_WrongSecret(t *testing.T) {
	lookup := &fakeAPIKeyLookup{hash: mustHashAPIKey(t, "expected-secret")}
	validator := NewAPIKeyValidator(lookup)

	_, err := validator.ValidateToken(context.Background(), "key.bad-secret")
	assert.ErrorIs(t, err, errInvalidAPIKey)
	assert.Equal(t, "key", lookup.gotID)
}

func TestAPIKeyValidator_Valid(t *testing.T) {
	lookup := &fakeAPIKeyLookup{hash: mustHashAPIKey(t, "good-secret"), projectID: "proj_123"}
	validator := NewAPIKeyValidator(lookup)

	projectID, err := validator.ValidateToken(context.Background(), "my-key.good-secret")
	require.NoError(t, err)
	assert.Equal(t, "proj_123", projectID)
	assert.Equal(t, "my-key", lookup.gotID)
}
