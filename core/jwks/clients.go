package jwks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/SOG-web/reauth-sub000/internal/db/models"
	"github.com/SOG-web/reauth-sub000/internal/tokens"
	"github.com/SOG-web/reauth-sub000/orm"
)

var (
	// ErrClientNotFound is returned when no active client matches.
	ErrClientNotFound = errors.New("client not found")

	// ErrClientAuthFailed is returned for bad client credentials.
	ErrClientAuthFailed = errors.New("client authentication failed")
)

// RegisterClient creates a relying-party client owned by a subject. For
// confidential clients a secret is generated when none is supplied; the raw
// secret is returned once and only its bcrypt hash is stored.
func (s *Service) RegisterClient(ctx context.Context, subjectID string, clientType models.ClientType, name, description, secret string) (*models.ReauthClient, string, error) {
	now := time.Now()
	client := &models.ReauthClient{
		ID:         uuid.NewString(),
		SubjectID:  subjectID,
		ClientType: clientType,
		Name:       name,
		IsActive:   true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if description != "" {
		client.Description = &description
	}

	rawSecret := ""
	if clientType == models.ClientTypeConfidential {
		rawSecret = secret
		if rawSecret == "" {
			generated, err := tokens.NewRefreshToken()
			if err != nil {
				return nil, "", fmt.Errorf("generate client secret: %w", err)
			}
			rawSecret = generated
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(rawSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("hash client secret: %w", err)
		}
		hashStr := string(hash)
		client.ClientSecretHash = &hashStr
	}

	if err := s.orm.Create(ctx, client); err != nil {
		return nil, "", fmt.Errorf("persist client: %w", err)
	}
	return client, rawSecret, nil
}

// GetClient loads a client by id.
func (s *Service) GetClient(ctx context.Context, clientID string) (*models.ReauthClient, error) {
	var client models.ReauthClient
	err := s.orm.FindFirst(ctx, &client, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("id", clientID) },
	})
	if err != nil {
		if errors.Is(err, orm.ErrNotFound) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("load client: %w", err)
	}
	return &client, nil
}

// ListClientsForSubject returns all clients owned by a subject, newest first.
func (s *Service) ListClientsForSubject(ctx context.Context, subjectID string) ([]models.ReauthClient, error) {
	var clients []models.ReauthClient
	err := s.orm.FindMany(ctx, &clients, orm.Query{
		Where: func(b orm.B) orm.Pred { return b.Eq("subject_id", subjectID) },
		Order: []orm.Order{orm.Desc("created_at")},
	})
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	return clients, nil
}

// AuthenticateClient verifies a confidential client's secret. Public clients
// and inactive clients always fail.
func (s *Service) AuthenticateClient(ctx context.Context, clientID, secret string) (*models.ReauthClient, error) {
	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !client.IsActive || client.ClientType != models.ClientTypeConfidential || client.ClientSecretHash == nil {
		return nil, ErrClientAuthFailed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*client.ClientSecretHash), []byte(secret)); err != nil {
		return nil, ErrClientAuthFailed
	}
	return client, nil
}

// DeactivateClient disables a client. Idempotent.
func (s *Service) DeactivateClient(ctx context.Context, clientID string) error {
	_, err := s.orm.UpdateMany(ctx, (*models.ReauthClient)(nil),
		map[string]any{"is_active": false, "updated_at": time.Now()},
		func(b orm.B) orm.Pred { return b.Eq("id", clientID) },
	)
	if err != nil {
		return fmt.Errorf("deactivate client: %w", err)
	}
	return nil
}
