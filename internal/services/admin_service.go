package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/opsnotes/warden/internal/models"
)

var (
	ErrCredentialNotFound = errors.New("admin credential not found")
	ErrTokenInvalid       = errors.New("admin token invalid")
)

// AdminService manages the break-glass credential behind the CLI and the
// admin API bootstrap. Tokens are stored only as bcrypt hashes; the
// plaintext is shown once at generation time.
type AdminService struct {
	db *gorm.DB
}

func NewAdminService(db *gorm.DB) *AdminService {
	return &AdminService{db: db}
}

// GenerateToken creates a token, stores its bcrypt hash under the given
// name, and returns the plaintext token.
func (s *AdminService) GenerateToken(name string) (string, error) {
	tokenBytes := make([]byte, 24)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	var cred models.AdminCredential
	if err := s.db.Where("name = ?", name).First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cred = models.AdminCredential{Name: name, TokenHash: string(hash)}
			if err := s.db.Create(&cred).Error; err != nil {
				return "", err
			}
			return token, nil
		}
		return "", err
	}

	cred.TokenHash = string(hash)
	if err := s.db.Save(&cred).Error; err != nil {
		return "", err
	}
	return token, nil
}

// VerifyToken validates a provided token against the stored hash.
func (s *AdminService) VerifyToken(name, token string) (bool, error) {
	var cred models.AdminCredential
	if err := s.db.Where("name = ?", name).First(&cred).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrCredentialNotFound
		}
		return false, err
	}
	if cred.TokenHash == "" {
		return false, ErrTokenInvalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cred.TokenHash), []byte(token)); err != nil {
		return false, ErrTokenInvalid
	}
	return true, nil
}

// IssueSessionJWT mints a short-lived HMAC-signed token for the admin API
// after a break-glass token verified successfully.
func (s *AdminService) IssueSessionJWT(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    "warden",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}
