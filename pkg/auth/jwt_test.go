package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = &JWTConfig{Secret: "test-secret", ExpireTime: time.Hour}

func TestVerifyIdentity(t *testing.T) {
	token, err := IssueToken(testConfig, "alice", "phone")
	require.NoError(t, err)

	id, err := VerifyIdentity(token, testConfig)
	require.NoError(t, err)
	assert.Equal(t, "alice", id.UserID)
	assert.Equal(t, "phone", id.DeviceID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)
}

func TestVerifyIdentity_DefaultDevice(t *testing.T) {
	token, err := GenerateJWTWithConfig(map[string]any{"userId": "bob"}, testConfig)
	require.NoError(t, err)

	id, err := VerifyIdentity(token, testConfig)
	require.NoError(t, err)
	assert.Equal(t, "bob", id.UserID)
	assert.Equal(t, DefaultDeviceID, id.DeviceID)
}

func TestVerifyIdentity_NumericUserID(t *testing.T) {
	token, err := GenerateJWTWithConfig(map[string]any{"user_id": 42}, testConfig)
	require.NoError(t, err)

	id, err := VerifyIdentity(token, testConfig)
	require.NoError(t, err)
	assert.Equal(t, "42", id.UserID)
}

func TestVerifyIdentity_Rejects(t *testing.T) {
	expired, err := GenerateJWTWithConfig(map[string]any{
		"sub": "alice",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}, testConfig)
	require.NoError(t, err)

	wrongSecret, err := IssueToken(&JWTConfig{Secret: "other", ExpireTime: time.Hour}, "alice", "")
	require.NoError(t, err)

	noUser, err := GenerateJWTWithConfig(map[string]any{"deviceId": "phone"}, testConfig)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).
		SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"debug bypass", "auth-debug", ErrInvalidToken},
		{"expired", expired, ErrTokenExpired},
		{"wrong secret", wrongSecret, ErrInvalidToken},
		{"no expiry", noExp, ErrInvalidToken},
		{"no user", noUser, ErrMissingUser},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := VerifyIdentity(tt.token, testConfig)
			assert.Nil(t, id)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseTokenWithConfig_RejectsNonHMAC(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ParseTokenWithConfig(token, testConfig)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
