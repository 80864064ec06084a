package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	token, err := GenerateJWT("s3cret", 42, RoleAdmin, time.Minute)
	require.NoError(t, err)

	claims, err := ValidateJWT(token, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.MemberID)
	assert.True(t, claims.IsAdmin())
}

func TestValidateRejects(t *testing.T) {
	token, err := GenerateJWT("s3cret", 42, "member", time.Minute)
	require.NoError(t, err)

	_, err = ValidateJWT(token, "other")
	assert.Error(t, err)

	expired, err := GenerateJWT("s3cret", 42, "member", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateJWT(expired, "s3cret")
	assert.Error(t, err)

	_, err = ValidateJWT("", "s3cret")
	assert.Error(t, err)

	_, err = GenerateJWT("", 1, "member", time.Minute)
	assert.Error(t, err)
}
