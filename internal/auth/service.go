package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/quantforum/server/internal/common"
	"github.com/quantforum/server/internal/model"
	"github.com/quantforum/server/internal/repo"
	"github.com/quantforum/server/internal/vault"
)

const (
	minCredentialLen = 6
	maxCredentialLen = 72 // bcrypt input limit
)

var identifierPattern = regexp.MustCompile(`^\+?[0-9]{5,20}$`)

// Session is the result of a successful login
type Session struct {
	Token     string
	ExpiresAt time.Time
	Account   model.Account
}

// Service is the identity registry: it registers accounts, checks
// credentials and issues session tokens.
type Service struct {
	accounts repo.AccountRepo
	vault    *vault.Vault
	tokens   *JWTService
}

// NewService creates a new identity registry
func NewService(accounts repo.AccountRepo, v *vault.Vault, tokens *JWTService) *Service {
	return &Service{
		accounts: accounts,
		vault:    v,
		tokens:   tokens,
	}
}

// NormalizeIdentifier trims and validates a raw phone-number identifier
func NormalizeIdentifier(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	id = strings.NewReplacer(" ", "", "-", "").Replace(id)
	if !identifierPattern.MatchString(id) {
		return "", common.Validationf("identifier must be a phone number")
	}
	return id, nil
}

func validateCredential(credential string) error {
	if len(credential) < minCredentialLen || len(credential) > maxCredentialLen {
		return common.Validationf("credential must be %d to %d bytes", minCredentialLen, maxCredentialLen)
	}
	return nil
}

// Register creates an account. The raw identifier is stored only as a lookup
// hash and a vault envelope.
func (s *Service) Register(ctx context.Context, rawIdentifier, credential string) (model.Account, error) {
	identifier, err := NormalizeIdentifier(rawIdentifier)
	if err != nil {
		return model.Account{}, err
	}
	if err := validateCredential(credential); err != nil {
		return model.Account{}, err
	}

	identityHash := s.vault.HashForLookup(identifier)
	if _, err := s.accounts.GetByIdentityHash(ctx, identityHash); err == nil {
		return model.Account{}, fmt.Errorf("identifier already registered: %w", common.ErrConflict)
	} else if !errors.Is(err, common.ErrNotFound) {
		return model.Account{}, err
	}

	sealed, err := s.vault.EncryptString(identifier)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to encrypt identifier: %w", err)
	}
	passwordHash, err := HashPassword(credential)
	if err != nil {
		return model.Account{}, fmt.Errorf("failed to hash credential: %w", err)
	}

	account := model.Account{
		IdentityHash:        identityHash,
		EncryptedIdentifier: sealed,
		PasswordHash:        passwordHash,
	}
	// The unique index still decides races between concurrent registrations
	if err := s.accounts.Create(ctx, &account); err != nil {
		return model.Account{}, err
	}
	return account, nil
}

// Login checks the credential and issues a session token
func (s *Service) Login(ctx context.Context, rawIdentifier, credential string) (*Session, error) {
	identifier, err := NormalizeIdentifier(rawIdentifier)
	if err != nil {
		return nil, err
	}
	if credential == "" {
		return nil, common.Validationf("credential is required")
	}

	account, err := s.accounts.GetByIdentityHash(ctx, s.vault.HashForLookup(identifier))
	if err != nil {
		return nil, err
	}
	if err := VerifyPassword(account.PasswordHash, credential); err != nil {
		return nil, fmt.Errorf("%w: invalid credential", common.ErrUnauthorized)
	}

	return s.IssueSession(account)
}

// IssueSession signs a fresh token for the account's current state
func (s *Service) IssueSession(account model.Account) (*Session, error) {
	token, expiresAt, err := s.tokens.SignToken(account)
	if err != nil {
		return nil, err
	}
	return &Session{Token: token, ExpiresAt: expiresAt, Account: account}, nil
}

// Verify checks a token's signature and expiry. It does not compare the
// claims with the current account state.
func (s *Service) Verify(token string) (*Claims, error) {
	return s.tokens.VerifyToken(token)
}

// Resolve loads the live account a verified token refers to
func (s *Service) Resolve(ctx context.Context, claims *Claims) (model.Account, error) {
	id, err := claims.AccountID()
	if err != nil {
		return model.Account{}, err
	}
	account, err := s.accounts.GetByIdentityHash(ctx, claims.Identity)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return model.Account{}, fmt.Errorf("%w: account no longer exists", common.ErrUnauthorized)
		}
		return model.Account{}, err
	}
	if account.ID != id {
		return model.Account{}, fmt.Errorf("%w: subject does not match identity claim", common.ErrIdentityMismatch)
	}
	return account, nil
}

// RevealIdentifier decrypts the account's raw identifier
func (s *Service) RevealIdentifier(account model.Account) (string, error) {
	identifier, err := s.vault.DecryptString(account.EncryptedIdentifier)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt identifier: %w", err)
	}
	return identifier, nil
}
