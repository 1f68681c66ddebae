package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery")
	require.NoError(t, err)
	assert.True(t, CheckPassword("correct horse battery", hash))
	assert.False(t, CheckPassword("wrong", hash))
}

func TestNewAPIKeyShape(t *testing.T) {
	key, err := NewAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, "sf_"))
	assert.Len(t, key, 3+64)

	other, err := NewAPIKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}

func TestBearerKeyExtraction(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", bearerKey(r))

	r.Header.Set("Authorization", "Bearer sf_abc")
	assert.Equal(t, "sf_abc", bearerKey(r))

	// The dedicated header wins over the bearer token.
	r.Header.Set("X-API-Key", "sf_def")
	assert.Equal(t, "sf_def", bearerKey(r))
}
