package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"auth-api/internal/domain"
	"auth-api/internal/repository"
)

type mockAccountRepo struct {
	accountsByID map[string]domain.Account
	idsByEmail   map[string]string
	idsByUser    map[string]string
}

func newMockAccountRepo() *mockAccountRepo {
	return &mockAccountRepo{
		accountsByID: make(map[string]domain.Account),
		idsByEmail:   make(map[string]string),
		idsByUser:    make(map[string]string),
	}
}

func (m *mockAccountRepo) Create(_ context.Context, account domain.Account) error {
	if _, ok := m.idsByEmail[account.Email]; ok {
		return repository.ErrDuplicateKey
	}
	if _, ok := m.idsByUser[account.Username]; ok {
		return repository.ErrDuplicateKey
	}
	m.accountsByID[account.ID] = account
	m.idsByEmail[account.Email] = account.ID
	m.idsByUser[account.Username] = account.ID
	return nil
}

func (m *mockAccountRepo) GetByID(_ context.Context, id string) (domain.Account, error) {
	account, ok := m.accountsByID[id]
	if !ok {
		return domain.Account{}, pgx.ErrNoRows
	}
	return account, nil
}

func (m *mockAccountRepo) GetByEmail(_ context.Context, email string) (domain.Account, error) {
	id, ok := m.idsByEmail[email]
	if !ok {
		return domain.Account{}, pgx.ErrNoRows
	}
	return m.GetByID(context.Background(), id)
}

func (m *mockAccountRepo) GetByUsername(_ context.Context, username string) (domain.Account, error) {
	id, ok := m.idsByUser[username]
	if !ok {
		return domain.Account{}, pgx.ErrNoRows
	}
	return m.GetByID(context.Background(), id)
}

func (m *mockAccountRepo) GetByVerificationToken(_ context.Context, token string) (domain.Account, error) {
	for _, account := range m.accountsByID {
		if account.VerificationToken != "" && account.VerificationToken == token {
			return account, nil
		}
	}
	return domain.Account{}, pgx.ErrNoRows
}

func (m *mockAccountRepo) GetByResetToken(_ context.Context, token string, now time.Time) (domain.Account, error) {
	for _, account := range m.accountsByID {
		if account.ResetToken != "" && account.ResetToken == token &&
			account.ResetTokenExpiresAt != nil && account.ResetTokenExpiresAt.After(now) {
			return account, nil
		}
	}
	return domain.Account{}, pgx.ErrNoRows
}

func (m *mockAccountRepo) ConsumeVerificationToken(_ context.Context, token string) (domain.Account, error) {
	for id, account := range m.accountsByID {
		if account.VerificationToken != "" && account.VerificationToken == token {
			account.Verified = true
			account.VerificationToken = ""
			m.accountsByID[id] = account
			return account, nil
		}
	}
	return domain.Account{}, pgx.ErrNoRows
}

func (m *mockAccountRepo) SetResetToken(_ context.Context, id, token string, expiresAt time.Time) error {
	account, ok := m.accountsByID[id]
	if !ok {
		return pgx.ErrNoRows
	}
	account.ResetToken = token
	account.ResetTokenExpiresAt = &expiresAt
	m.accountsByID[id] = account
	return nil
}

func (m *mockAccountRepo) ConsumeResetToken(_ context.Context, token, passwordHash string, now time.Time) (domain.Account, error) {
	for id, account := range m.accountsByID {
		if account.ResetToken != "" && account.ResetToken == token &&
			account.ResetTokenExpiresAt != nil && account.ResetTokenExpiresAt.After(now) {
			account.PasswordHash = passwordHash
			account.ResetToken = ""
			account.ResetTokenExpiresAt = nil
			m.accountsByID[id] = account
			return account, nil
		}
	}
	return domain.Account{}, pgx.ErrNoRows
}

type mockEmailSender struct {
	lastTo      string
	lastSubject string
	lastBody    string
	sends       int
	err         error
}

func (m *mockEmailSender) Send(_ context.Context, toEmail, subject, htmlBody string) error {
	m.lastTo = toEmail
	m.lastSubject = subject
	m.lastBody = htmlBody
	m.sends++
	return m.err
}

func newTestAccountService(repo *mockAccountRepo, sender *mockEmailSender) *AccountService {
	return NewAccountService(zap.NewNop(), repo, sender, "http://localhost:8080")
}

func TestAccountServiceRegister_Success(t *testing.T) {
	repo := newMockAccountRepo()
	sender := &mockEmailSender{}
	svc := newTestAccountService(repo, sender)

	account, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if account.Verified {
		t.Fatalf("expected account to start unverified")
	}
	if len(account.VerificationToken) != 40 {
		t.Fatalf("expected 40-char verification token, got %q", account.VerificationToken)
	}
	if account.PasswordHash == "secret1" {
		t.Fatalf("expected stored hash to differ from plaintext")
	}
	if !VerifyPassword("secret1", account.PasswordHash) {
		t.Fatalf("expected stored hash to verify against plaintext")
	}

	if sender.lastTo != "a@x.com" {
		t.Fatalf("expected verification email to a@x.com, got %s", sender.lastTo)
	}
	if !strings.Contains(sender.lastBody, account.VerificationToken) {
		t.Fatalf("expected email body to embed the verification token")
	}
	if !strings.Contains(sender.lastBody, "http://localhost:8080/verify/") {
		t.Fatalf("expected email body to embed the verification link, got %s", sender.lastBody)
	}

	stored, err := repo.GetByEmail(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("expected account stored, got %v", err)
	}
	if stored.VerificationToken != account.VerificationToken {
		t.Fatalf("expected stored verification token to match")
	}
}

func TestAccountServiceRegister_DuplicateEmail(t *testing.T) {
	repo := newMockAccountRepo()
	sender := &mockEmailSender{}
	svc := newTestAccountService(repo, sender)

	if _, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1"); err != nil {
		t.Fatalf("expected first register success, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "alice2", "a@x.com", "secret2"); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
	if len(repo.accountsByID) != 1 {
		t.Fatalf("expected a single stored account, got %d", len(repo.accountsByID))
	}
}

func TestAccountServiceRegister_DuplicateUsername(t *testing.T) {
	repo := newMockAccountRepo()
	sender := &mockEmailSender{}
	svc := newTestAccountService(repo, sender)

	if _, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1"); err != nil {
		t.Fatalf("expected first register success, got %v", err)
	}
	if _, err := svc.Register(context.Background(), "alice", "b@x.com", "secret2"); !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}
	if len(repo.accountsByID) != 1 {
		t.Fatalf("expected a single stored account, got %d", len(repo.accountsByID))
	}
}

func TestAccountServiceRegister_MailFailureSwallowed(t *testing.T) {
	repo := newMockAccountRepo()
	sender := &mockEmailSender{err: errors.New("smtp down")}
	svc := newTestAccountService(repo, sender)

	if _, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1"); err != nil {
		t.Fatalf("expected register to succeed despite mail failure, got %v", err)
	}
	if _, err := repo.GetByEmail(context.Background(), "a@x.com"); err != nil {
		t.Fatalf("expected account stored, got %v", err)
	}
}

func TestAccountServiceVerifyEmail_ConsumesToken(t *testing.T) {
	repo := newMockAccountRepo()
	sender := &mockEmailSender{}
	svc := newTestAccountService(repo, sender)

	registered, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("expected register success, got %v", err)
	}

	account, err := svc.VerifyEmail(context.Background(), registered.VerificationToken)
	if err != nil {
		t.Fatalf("expected verify success, got %v", err)
	}
	if !account.Verified {
		t.Fatalf("expected account active after verification")
	}
	if account.VerificationToken != "" {
		t.Fatalf("expected verification token cleared")
	}

	// The same token resubmitted after consumption must be rejected.
	if _, err := svc.VerifyEmail(context.Background(), registered.VerificationToken); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken on reuse, got %v", err)
	}
}

func TestAccountServiceVerifyEmail_UnknownToken(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newTestAccountService(repo, &mockEmailSender{})

	if _, err := svc.VerifyEmail(context.Background(), "deadbeef"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken, got %v", err)
	}
}

func TestAccountServiceAuthenticate_NotVerifiedBeforePassword(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newTestAccountService(repo, &mockEmailSender{})

	if _, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1"); err != nil {
		t.Fatalf("expected register success, got %v", err)
	}

	// Even correct credentials surface ErrNotVerified while pending.
	if _, err := svc.Authenticate(context.Background(), "a@x.com", "secret1"); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}
	// A wrong password on a pending account also reports ErrNotVerified.
	if _, err := svc.Authenticate(context.Background(), "a@x.com", "wrong"); !errors.Is(err, ErrNotVerified) {
		t.Fatalf("expected ErrNotVerified, got %v", err)
	}
}

func TestAccountServiceAuthenticate_AntiEnumeration(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newTestAccountService(repo, &mockEmailSender{})

	registered, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("expected register success, got %v", err)
	}
	if _, err := svc.VerifyEmail(context.Background(), registered.VerificationToken); err != nil {
		t.Fatalf("expected verify success, got %v", err)
	}

	_, errWrongPassword := svc.Authenticate(context.Background(), "a@x.com", "wrong")
	_, errUnknownEmail := svc.Authenticate(context.Background(), "nobody@x.com", "secret1")

	if !errors.Is(errWrongPassword, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for wrong password, got %v", errWrongPassword)
	}
	if !errors.Is(errUnknownEmail, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", errUnknownEmail)
	}
	if errWrongPassword.Error() != errUnknownEmail.Error() {
		t.Fatalf("expected indistinguishable failures, got %q vs %q", errWrongPassword, errUnknownEmail)
	}
}

func TestAccountServiceAuthenticate_Success(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newTestAccountService(repo, &mockEmailSender{})

	registered, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("expected register success, got %v", err)
	}
	if _, err := svc.VerifyEmail(context.Background(), registered.VerificationToken); err != nil {
		t.Fatalf("expected verify success, got %v", err)
	}

	account, err := svc.Authenticate(context.Background(), "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("expected authenticate success, got %v", err)
	}
	if account.ID != registered.ID {
		t.Fatalf("expected account %s, got %s", registered.ID, account.ID)
	}
}

func TestAccountServiceRequestPasswordReset_UnknownEmail(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newTestAccountService(repo, &mockEmailSender{})

	if _, err := svc.RequestPasswordReset(context.Background(), "nobody@x.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAccountServiceResetFlow(t *testing.T) {
	repo := newMockAccountRepo()
	sender := &mockEmailSender{}
	svc := newTestAccountService(repo, sender)

	registered, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("expected register success, got %v", err)
	}
	if _, err := svc.VerifyEmail(context.Background(), registered.VerificationToken); err != nil {
		t.Fatalf("expected verify success, got %v", err)
	}

	start := time.Now().UTC()
	requested, err := svc.RequestPasswordReset(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("expected reset request success, got %v", err)
	}
	if requested.ResetToken == "" || requested.ResetTokenExpiresAt == nil {
		t.Fatalf("expected reset token pair to be set")
	}
	if requested.ResetTokenExpiresAt.Before(start.Add(59 * time.Minute)) {
		t.Fatalf("expected reset expiry about 1h ahead, got %v", requested.ResetTokenExpiresAt)
	}
	if requested.ResetTokenExpiresAt.After(start.Add(61 * time.Minute)) {
		t.Fatalf("expected reset expiry about 1h ahead, got %v", requested.ResetTokenExpiresAt)
	}
	if !strings.Contains(sender.lastBody, requested.ResetToken) {
		t.Fatalf("expected reset email to embed the token")
	}

	account, err := svc.ResetPassword(context.Background(), requested.ResetToken, "secret2")
	if err != nil {
		t.Fatalf("expected reset success, got %v", err)
	}
	if account.ResetToken != "" || account.ResetTokenExpiresAt != nil {
		t.Fatalf("expected reset token pair cleared")
	}

	if _, err := svc.Authenticate(context.Background(), "a@x.com", "secret2"); err != nil {
		t.Fatalf("expected login with new password, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "a@x.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected old password rejected, got %v", err)
	}

	// The consumed token must not grant a second reset.
	if _, err := svc.ResetPassword(context.Background(), requested.ResetToken, "secret3"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken on reuse, got %v", err)
	}
}

func TestAccountServiceResetPassword_Expired(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newTestAccountService(repo, &mockEmailSender{})

	expiredAt := time.Now().UTC().Add(-time.Minute)
	token, err := GenerateToken()
	if err != nil {
		t.Fatalf("expected token generation, got %v", err)
	}
	hash, err := HashPassword("secret1")
	if err != nil {
		t.Fatalf("expected hash, got %v", err)
	}
	account := domain.Account{
		ID:                  "u1",
		Username:            "alice",
		Email:               "a@x.com",
		PasswordHash:        hash,
		Verified:            true,
		ResetToken:          token,
		ResetTokenExpiresAt: &expiredAt,
		CreatedAt:           time.Now().UTC(),
	}
	if err := repo.Create(context.Background(), account); err != nil {
		t.Fatalf("expected account stored, got %v", err)
	}

	// An exact token match with elapsed expiry reads as unknown.
	if _, err := svc.ResetPassword(context.Background(), token, "secret2"); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), "a@x.com", "secret1"); err != nil {
		t.Fatalf("expected old password still valid, got %v", err)
	}
}

func TestAccountServiceRequestPasswordReset_MailFailureSwallowed(t *testing.T) {
	repo := newMockAccountRepo()
	sender := &mockEmailSender{}
	svc := newTestAccountService(repo, sender)

	registered, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("expected register success, got %v", err)
	}
	if _, err := svc.VerifyEmail(context.Background(), registered.VerificationToken); err != nil {
		t.Fatalf("expected verify success, got %v", err)
	}

	sender.err = errors.New("smtp down")
	requested, err := svc.RequestPasswordReset(context.Background(), "a@x.com")
	if err != nil {
		t.Fatalf("expected reset request to succeed despite mail failure, got %v", err)
	}
	if requested.ResetToken == "" {
		t.Fatalf("expected reset token persisted")
	}
}

func TestAccountServiceGetAccount(t *testing.T) {
	repo := newMockAccountRepo()
	svc := newTestAccountService(repo, &mockEmailSender{})

	registered, err := svc.Register(context.Background(), "alice", "a@x.com", "secret1")
	if err != nil {
		t.Fatalf("expected register success, got %v", err)
	}

	account, err := svc.GetAccount(context.Background(), registered.ID)
	if err != nil {
		t.Fatalf("expected account, got %v", err)
	}
	if account.Email != "a@x.com" {
		t.Fatalf("expected email a@x.com, got %s", account.Email)
	}

	if _, err := svc.GetAccount(context.Background(), "missing"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
