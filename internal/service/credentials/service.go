// Package credentials manages git credentials encrypted at rest. Plaintext
// secrets exist only inside GitAuth calls made by the build pipeline.
package credentials

import (
	"context"
	"errors"
	"strings"

	"log/slog"

	"github.com/sungreong/openstream-gallery/internal/domain"
	"github.com/sungreong/openstream-gallery/internal/fault"
	"github.com/sungreong/openstream-gallery/internal/git"
	"github.com/sungreong/openstream-gallery/internal/repository"
	"github.com/sungreong/openstream-gallery/pkg/crypto"
)

// Service encrypts, stores, and resolves git credentials.
type Service struct {
	store  repository.CredentialRepository
	key    string
	logger *slog.Logger
}

// New constructs a Service. key is the AES-GCM key material for secrets at rest.
func New(store repository.CredentialRepository, key string, logger *slog.Logger) Service {
	return Service{store: store, key: key, logger: logger}
}

// CreateInput carries a new credential with its plaintext secret.
type CreateInput struct {
	Name     string
	Provider string
	AuthKind string
	Username string
	Secret   string
}

// Create encrypts and stores a credential for the owner.
func (s Service) Create(ctx context.Context, ownerID string, input CreateInput) (*domain.GitCredential, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, fault.New(fault.KindInvalidInput, "credential name is required")
	}
	kind := strings.ToLower(strings.TrimSpace(input.AuthKind))
	if kind != domain.AuthKindToken && kind != domain.AuthKindSSHKey {
		return nil, fault.New(fault.KindInvalidInput,
			"auth kind must be %q or %q", domain.AuthKindToken, domain.AuthKindSSHKey)
	}
	if strings.TrimSpace(input.Secret) == "" {
		return nil, fault.New(fault.KindInvalidInput, "credential secret is required")
	}

	ciphertext, err := crypto.EncryptString(s.key, input.Secret)
	if err != nil {
		return nil, err
	}
	credential := &domain.GitCredential{
		OwnerID:  ownerID,
		Name:     name,
		Provider: strings.TrimSpace(input.Provider),
		AuthKind: kind,
		Username: strings.TrimSpace(input.Username),
		Secret:   ciphertext,
	}
	if err := s.store.CreateCredential(ctx, credential); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fault.New(fault.KindConflict, "a credential named %q already exists", name)
		}
		return nil, err
	}
	s.logger.Info("credential created", "credential_id", credential.ID, "owner_id", ownerID, "auth_kind", kind)
	credential.Secret = nil
	return credential, nil
}

// List returns the owner's credentials without secret material.
func (s Service) List(ctx context.Context, ownerID string) ([]domain.GitCredential, error) {
	stored, err := s.store.ListCredentialsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range stored {
		stored[i].Secret = nil
	}
	return stored, nil
}

// Delete removes a credential owned by the given user.
func (s Service) Delete(ctx context.Context, ownerID string, id int64) error {
	if err := s.store.DeleteCredential(ctx, id, ownerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fault.New(fault.KindNotFound, "credential %d not found", id)
		}
		return err
	}
	s.logger.Info("credential deleted", "credential_id", id, "owner_id", ownerID)
	return nil
}

// OwnedBy reports whether the credential exists and belongs to the owner.
// App registration uses it before attaching a credential id.
func (s Service) OwnedBy(ctx context.Context, ownerID string, id int64) error {
	credential, err := s.store.GetCredentialByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fault.New(fault.KindNotFound, "credential %d not found", id)
		}
		return err
	}
	if credential.OwnerID != ownerID {
		return fault.New(fault.KindNotFound, "credential %d not found", id)
	}
	return nil
}

// GitAuth decrypts the credential and returns clone parameters. The build
// pipeline consumes this through its CredentialSource dependency.
func (s Service) GitAuth(ctx context.Context, credentialID int64) (git.Auth, error) {
	credential, err := s.store.GetCredentialByID(ctx, credentialID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return git.Auth{}, fault.New(fault.KindNotFound, "credential %d not found", credentialID)
		}
		return git.Auth{}, err
	}
	secret, err := crypto.DecryptToString(s.key, credential.Secret)
	if err != nil {
		return git.Auth{}, fault.Wrap(fault.KindInvalidInput, err,
			"decrypt credential %d; was the encryption key rotated?", credentialID)
	}
	return git.Auth{Kind: credential.AuthKind, Username: credential.Username, Secret: secret}, nil
}
