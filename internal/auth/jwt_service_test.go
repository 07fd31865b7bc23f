package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newJWTServiceForTest(t *testing.T, clock func() time.Time) *JWTService {
	t.Helper()

	svc, err := NewJWTService(JWTConfig{
		Secret:         "test-secret",
		Issuer:         "gratipay",
		AccessTokenTTL: time.Hour,
		Clock:          clock,
	})
	require.NoError(t, err)
	return svc
}

func TestNewJWTServiceRequiresSecret(t *testing.T) {
	_, err := NewJWTService(JWTConfig{})
	require.Error(t, err)
}

func TestGenerateAndValidateAccessToken(t *testing.T) {
	svc := newJWTServiceForTest(t, nil)

	token, err := svc.GenerateAccessToken(AccessTokenInput{
		ParticipantID: "participant-1",
		Username:      "alice",
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateAccessToken(token)
	require.NoError(t, err)
	require.Equal(t, "participant-1", claims.ParticipantID)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, "gratipay", claims.Issuer)
}

func TestGenerateAccessTokenRequiresParticipantID(t *testing.T) {
	svc := newJWTServiceForTest(t, nil)

	_, err := svc.GenerateAccessToken(AccessTokenInput{Username: "alice"})
	require.Error(t, err)
}

func TestValidateAccessTokenRejectsExpiredToken(t *testing.T) {
	current := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	svc := newJWTServiceForTest(t, func() time.Time { return current })

	token, err := svc.GenerateAccessToken(AccessTokenInput{ParticipantID: "participant-1"})
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)

	_, err = svc.ValidateAccessToken(token)
	require.Error(t, err)
}

func TestValidateAccessTokenRejectsWrongIssuer(t *testing.T) {
	other, err := NewJWTService(JWTConfig{Secret: "test-secret", Issuer: "someone-else"})
	require.NoError(t, err)

	token, err := other.GenerateAccessToken(AccessTokenInput{ParticipantID: "participant-1"})
	require.NoError(t, err)

	svc := newJWTServiceForTest(t, nil)
	_, err = svc.ValidateAccessToken(token)
	require.Error(t, err)
}

func TestValidateAccessTokenRejectsTampering(t *testing.T) {
	svc := newJWTServiceForTest(t, nil)

	token, err := svc.GenerateAccessToken(AccessTokenInput{ParticipantID: "participant-1"})
	require.NoError(t, err)

	forged, err := NewJWTService(JWTConfig{Secret: "other-secret", Issuer: "gratipay"})
	require.NoError(t, err)

	_, err = forged.ValidateAccessToken(token)
	require.Error(t, err)
}
