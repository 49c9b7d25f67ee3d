package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribridrag/tribrid/pkg/config"
)

func TestNewValidatorDisabled(t *testing.T) {
	v, err := NewValidator(context.Background(), config.AuthConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNewValidatorRequiresKeySource(t *testing.T) {
	_, err := NewValidator(context.Background(), config.AuthConfig{Enabled: true})
	assert.Error(t, err)
}

func TestNewValidatorUnreachableJWKS(t *testing.T) {
	_, err := NewValidator(context.Background(), config.AuthConfig{
		Enabled: true,
		JWKSURL: "http://127.0.0.1:1/jwks.json",
	})
	assert.Error(t, err)
}

func TestValidateTokenJWKS(t *testing.T) {
	fixture := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), fixture.config())
	require.NoError(t, err)
	require.NotNil(t, v)

	tests := []struct {
		name      string
		issuer    string
		audience  string
		expiresIn time.Duration
		wantError bool
	}{
		{"valid", testIssuer, testAudience, time.Hour, false},
		{"wrong_issuer", "https://wrong-issuer.example", testAudience, time.Hour, true},
		{"wrong_audience", testIssuer, "other-api", time.Hour, true},
		{"expired", testIssuer, testAudience, -time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := fixture.sign(t, tt.issuer, tt.audience, "user-123", tt.expiresIn, nil)
			claims, err := v.ValidateToken(context.Background(), token)
			if tt.wantError {
				assert.Error(t, err)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-123", claims.Subject)
		})
	}
}

func TestValidateTokenExtractsClaims(t *testing.T) {
	fixture := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), fixture.config())
	require.NoError(t, err)

	token := fixture.sign(t, testIssuer, testAudience, "user-123", time.Hour, map[string]any{
		"email": "dev@example.com",
		"role":  "admin",
		"team":  "retrieval",
	})

	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "dev@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)
	assert.Equal(t, "retrieval", claims.Custom["team"])
	assert.NotContains(t, claims.Custom, "email")
}

func TestValidateTokenMalformed(t *testing.T) {
	fixture := newJWKSFixture(t)
	v, err := NewValidator(context.Background(), fixture.config())
	require.NoError(t, err)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, err := v.ValidateToken(context.Background(), token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestValidateTokenSecretMode(t *testing.T) {
	v, err := NewValidator(context.Background(), config.AuthConfig{
		Enabled:  true,
		Secret:   "dev-secret",
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	require.NoError(t, err)
	require.NotNil(t, v)

	claims, err := v.ValidateToken(context.Background(),
		signHS256(t, "dev-secret", testIssuer, testAudience, "user-456"))
	require.NoError(t, err)
	assert.Equal(t, "user-456", claims.Subject)

	_, err = v.ValidateToken(context.Background(),
		signHS256(t, "wrong-secret", testIssuer, testAudience, "user-456"))
	assert.Error(t, err)
}

func TestJWKSURLWinsOverSecret(t *testing.T) {
	fixture := newJWKSFixture(t)
	cfg := fixture.config()
	cfg.Secret = "dev-secret"

	v, err := NewValidator(context.Background(), cfg)
	require.NoError(t, err)

	// HS256 tokens are rejected: the validator is in JWKS mode.
	_, err = v.ValidateToken(context.Background(),
		signHS256(t, "dev-secret", testIssuer, testAudience, "user-789"))
	assert.Error(t, err)

	_, err = v.ValidateToken(context.Background(),
		fixture.sign(t, testIssuer, testAudience, "user-789", time.Hour, nil))
	assert.NoError(t, err)
}
