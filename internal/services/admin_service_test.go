package services

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsnotes/warden/internal/models"
)

func TestAdminService_TokenLifecycle(t *testing.T) {
	db := setupTestDB(t)
	svc := NewAdminService(db)

	token, err := svc.GenerateToken("ops")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	ok, err := svc.VerifyToken("ops", token)
	require.NoError(t, err)
	assert.True(t, ok)

	// The plaintext is never stored.
	var cred models.AdminCredential
	require.NoError(t, db.Where("name = ?", "ops").First(&cred).Error)
	assert.NotEqual(t, token, cred.TokenHash)

	_, err = svc.VerifyToken("ops", "wrong-token")
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = svc.VerifyToken("nobody", token)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestAdminService_RegenerateInvalidatesOldToken(t *testing.T) {
	db := setupTestDB(t)
	svc := NewAdminService(db)

	first, err := svc.GenerateToken("ops")
	require.NoError(t, err)
	second, err := svc.GenerateToken("ops")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = svc.VerifyToken("ops", first)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	ok, err := svc.VerifyToken("ops", second)
	require.NoError(t, err)
	assert.True(t, ok)

	// Regeneration replaces the row, never duplicates it.
	var count int64
	require.NoError(t, db.Model(&models.AdminCredential{}).Where("name = ?", "ops").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestAdminService_IssueSessionJWT(t *testing.T) {
	db := setupTestDB(t)
	svc := NewAdminService(db)

	signed, err := svc.IssueSessionJWT("test-secret", "ops", time.Hour)
	require.NoError(t, err)

	parsed, err := jwt.ParseWithClaims(signed, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte("test-secret"), nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(*jwt.RegisteredClaims)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, "warden", claims.Issuer)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)

	// A different secret must not validate the signature.
	_, err = jwt.Parse(signed, func(token *jwt.Token) (interface{}, error) {
		return []byte("other-secret"), nil
	})
	assert.Error(t, err)
}
