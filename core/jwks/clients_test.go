package jwks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SOG-web/reauth-sub000/internal/db/models"
)

func TestRegisterClient_Confidential(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	client, secret, err := svc.RegisterClient(ctx, "subject-1", models.ClientTypeConfidential, "backend", "api consumer", "")
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	require.NotNil(t, client.ClientSecretHash)
	assert.NotEqual(t, secret, *client.ClientSecretHash)

	t.Run("authenticates with the issued secret", func(t *testing.T) {
		authed, err := svc.AuthenticateClient(ctx, client.ID, secret)
		require.NoError(t, err)
		assert.Equal(t, client.ID, authed.ID)
	})

	t.Run("rejects a wrong secret", func(t *testing.T) {
		_, err := svc.AuthenticateClient(ctx, client.ID, "wrong")
		assert.ErrorIs(t, err, ErrClientAuthFailed)
	})

	t.Run("rejects after deactivation", func(t *testing.T) {
		require.NoError(t, svc.DeactivateClient(ctx, client.ID))
		_, err := svc.AuthenticateClient(ctx, client.ID, secret)
		assert.ErrorIs(t, err, ErrClientAuthFailed)
	})
}

func TestRegisterClient_Public(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	client, secret, err := svc.RegisterClient(ctx, "subject-1", models.ClientTypePublic, "spa", "", "")
	require.NoError(t, err)
	assert.Empty(t, secret)
	assert.Nil(t, client.ClientSecretHash)

	// Public clients never authenticate with a secret.
	_, err = svc.AuthenticateClient(ctx, client.ID, "")
	assert.ErrorIs(t, err, ErrClientAuthFailed)
}

func TestListClientsForSubject(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.RegisterClient(ctx, "subject-1", models.ClientTypePublic, "one", "", "")
	require.NoError(t, err)
	_, _, err = svc.RegisterClient(ctx, "subject-1", models.ClientTypePublic, "two", "", "")
	require.NoError(t, err)
	_, _, err = svc.RegisterClient(ctx, "subject-2", models.ClientTypePublic, "other", "", "")
	require.NoError(t, err)

	clients, err := svc.ListClientsForSubject(ctx, "subject-1")
	require.NoError(t, err)
	assert.Len(t, clients, 2)

	_, err = svc.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, ErrClientNotFound)
}
