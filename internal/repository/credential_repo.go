package repository

import (
	"errors"

	"github.com/detutorfocus/forex-app/internal/models"
	"gorm.io/gorm"
)

var (
	ErrCredentialNotFound = errors.New("broker credential not found")
)

// BrokerCredentialRepository handles broker credential data access
type BrokerCredentialRepository struct {
	db *gorm.DB
}

// NewBrokerCredentialRepository creates a new BrokerCredentialRepository
func NewBrokerCredentialRepository(db *gorm.DB) *BrokerCredentialRepository {
	return &BrokerCredentialRepository{db: db}
}

// Create creates a new credential
func (r *BrokerCredentialRepository) Create(cred *models.BrokerCredential) error {
	return r.db.Create(cred).Error
}

// GetByIDAndUserID retrieves a credential owned by a specific user
func (r *BrokerCredentialRepository) GetByIDAndUserID(id, userID uint) (*models.BrokerCredential, error) {
	var cred models.BrokerCredential
	result := r.db.Where("id = ? AND user_id = ?", id, userID).First(&cred)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, result.Error
	}
	return &cred, nil
}

// GetByUserID retrieves all credentials for a user
func (r *BrokerCredentialRepository) GetByUserID(userID uint) ([]models.BrokerCredential, error) {
	var creds []models.BrokerCredential
	result := r.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&creds)
	return creds, result.Error
}

// GetDefault returns the user's default credential, falling back to the
// oldest one when none is flagged.
func (r *BrokerCredentialRepository) GetDefault(userID uint) (*models.BrokerCredential, error) {
	var cred models.BrokerCredential
	result := r.db.Where("user_id = ?", userID).
		Order("is_default DESC, created_at ASC").
		First(&cred)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, result.Error
	}
	return &cred, nil
}

// Delete soft deletes a credential
func (r *BrokerCredentialRepository) Delete(id, userID uint) error {
	result := r.db.Where("id = ? AND user_id = ?", id, userID).Delete(&models.BrokerCredential{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrCredentialNotFound
	}
	return nil
}
