package service

import (
	"github.com/detutorfocus/forex-app/internal/config"
	"github.com/detutorfocus/forex-app/internal/models"
	"github.com/detutorfocus/forex-app/internal/repository"
	"github.com/detutorfocus/forex-app/internal/venue"
	"github.com/detutorfocus/forex-app/pkg/crypto"
)

// CredentialService manages broker account credentials. Passwords are
// AES-GCM encrypted before they touch the database and only decrypted when a
// venue session is being opened.
type CredentialService struct {
	credRepo *repository.BrokerCredentialRepository
	encCfg   config.EncryptionConfig
}

// NewCredentialService creates a new CredentialService
func NewCredentialService(credRepo *repository.BrokerCredentialRepository, encCfg config.EncryptionConfig) *CredentialService {
	return &CredentialService{
		credRepo: credRepo,
		encCfg:   encCfg,
	}
}

// CreateCredentialRequest represents a new broker account registration
type CreateCredentialRequest struct {
	Label     string `json:"label" binding:"max=50"`
	Login     int64  `json:"login" binding:"required"`
	Password  string `json:"password" binding:"required"`
	Server    string `json:"server" binding:"required,max=100"`
	IsDefault bool   `json:"is_default"`
}

// Create stores a new credential with the password encrypted at rest
func (s *CredentialService) Create(userID uint, req *CreateCredentialRequest) (*models.BrokerCredential, error) {
	encrypted, err := crypto.EncryptAES(req.Password, s.encCfg.AESKey)
	if err != nil {
		return nil, err
	}

	cred := &models.BrokerCredential{
		UserID:            userID,
		Label:             req.Label,
		Login:             req.Login,
		Server:            req.Server,
		PasswordEncrypted: encrypted,
		IsDefault:         req.IsDefault,
	}

	if err := s.credRepo.Create(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// List returns the user's credentials (passwords never leave the database)
func (s *CredentialService) List(userID uint) ([]models.BrokerCredential, error) {
	return s.credRepo.GetByUserID(userID)
}

// Delete removes a credential
func (s *CredentialService) Delete(id, userID uint) error {
	return s.credRepo.Delete(id, userID)
}

// Resolve loads a credential and decrypts it into venue login material.
// credentialID 0 means the user's default account.
func (s *CredentialService) Resolve(userID, credentialID uint) (*models.BrokerCredential, venue.Credentials, error) {
	var cred *models.BrokerCredential
	var err error

	if credentialID == 0 {
		cred, err = s.credRepo.GetDefault(userID)
	} else {
		cred, err = s.credRepo.GetByIDAndUserID(credentialID, userID)
	}
	if err != nil {
		return nil, venue.Credentials{}, err
	}

	password, err := crypto.DecryptAES(cred.PasswordEncrypted, s.encCfg.AESKey)
	if err != nil {
		return nil, venue.Credentials{}, err
	}

	return cred, venue.Credentials{
		Login:    cred.Login,
		Password: password,
		Server:   cred.Server,
	}, nil
}
