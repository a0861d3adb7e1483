package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"auth-api/internal/domain"
	"auth-api/internal/email"
	"auth-api/internal/repository"
)

// AccountService coordina el ciclo de vida de cuentas: registro,
// verificación de email, autenticación y restablecimiento de contraseña.
type AccountService struct {
	logger      *zap.Logger
	accounts    repository.AccountRepository
	emailSender email.Sender
	baseURL     string
}

func NewAccountService(logger *zap.Logger, accounts repository.AccountRepository, emailSender email.Sender, baseURL string) *AccountService {
	return &AccountService{
		logger:      logger,
		accounts:    accounts,
		emailSender: emailSender,
		baseURL:     strings.TrimRight(baseURL, "/"),
	}
}

var (
	ErrDuplicateAccount      = errors.New("account already exists")
	ErrInvalidOrExpiredToken = errors.New("invalid or expired token")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrNotVerified           = errors.New("email not verified")
	ErrAccountNotFound       = errors.New("account not found")
)

// resetTokenTTL es la ventana fija de validez de un token de reset.
const resetTokenTTL = time.Hour

// Register crea una cuenta en estado pendiente de verificación y solicita
// el correo con el enlace de verificación. No inicia sesión.
func (s *AccountService) Register(ctx context.Context, username, emailAddr, password string) (domain.Account, error) {
	if s.accounts == nil {
		return domain.Account{}, errors.New("account service not configured")
	}

	username = strings.TrimSpace(username)
	emailAddr = strings.TrimSpace(emailAddr)

	_, err := s.accounts.GetByEmail(ctx, emailAddr)
	if err == nil {
		return domain.Account{}, ErrDuplicateAccount
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, err
	}
	_, err = s.accounts.GetByUsername(ctx, username)
	if err == nil {
		return domain.Account{}, ErrDuplicateAccount
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, err
	}

	passwordHash, err := HashPassword(password)
	if err != nil {
		return domain.Account{}, err
	}
	verificationToken, err := GenerateToken()
	if err != nil {
		return domain.Account{}, err
	}

	account := domain.Account{
		ID:                uuid.NewString(),
		Username:          username,
		Email:             emailAddr,
		PasswordHash:      passwordHash,
		Verified:          false,
		VerificationToken: verificationToken,
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			return domain.Account{}, ErrDuplicateAccount
		}
		return domain.Account{}, err
	}

	verificationURL := fmt.Sprintf("%s/verify/%s", s.baseURL, verificationToken)
	s.sendMail(ctx, emailAddr,
		"Verify your email",
		fmt.Sprintf(`<p>Please verify your email by clicking on this link: <a href="%s">%s</a></p>`, verificationURL, verificationURL),
	)

	return account, nil
}

// VerifyEmail consume un token de verificación y activa la cuenta. Estos
// tokens no expiran por tiempo, solo por consumo.
func (s *AccountService) VerifyEmail(ctx context.Context, token string) (domain.Account, error) {
	if s.accounts == nil {
		return domain.Account{}, errors.New("account service not configured")
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Account{}, ErrInvalidOrExpiredToken
	}

	account, err := s.accounts.ConsumeVerificationToken(ctx, token)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, ErrInvalidOrExpiredToken
		}
		return domain.Account{}, err
	}
	return account, nil
}

// Authenticate valida credenciales de una cuenta activa. Email inexistente
// y contraseña incorrecta devuelven el mismo error para evitar enumeración;
// el estado no verificado se comprueba antes que la contraseña.
func (s *AccountService) Authenticate(ctx context.Context, emailAddr, password string) (domain.Account, error) {
	if s.accounts == nil {
		return domain.Account{}, errors.New("account service not configured")
	}

	emailAddr = strings.TrimSpace(emailAddr)
	if emailAddr == "" || password == "" {
		return domain.Account{}, ErrInvalidCredentials
	}

	account, err := s.accounts.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, ErrInvalidCredentials
		}
		return domain.Account{}, err
	}
	if !account.Verified {
		return domain.Account{}, ErrNotVerified
	}
	if !VerifyPassword(password, account.PasswordHash) {
		return domain.Account{}, ErrInvalidCredentials
	}
	return account, nil
}

// RequestPasswordReset emite un token de reset con expiración de una hora y
// solicita el correo con el enlace. A diferencia del login, revela si el
// email existe; comportamiento heredado y preservado.
func (s *AccountService) RequestPasswordReset(ctx context.Context, emailAddr string) (domain.Account, error) {
	if s.accounts == nil {
		return domain.Account{}, errors.New("account service not configured")
	}

	emailAddr = strings.TrimSpace(emailAddr)

	account, err := s.accounts.GetByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, ErrAccountNotFound
		}
		return domain.Account{}, err
	}

	resetToken, err := GenerateToken()
	if err != nil {
		return domain.Account{}, err
	}
	expiresAt := time.Now().UTC().Add(resetTokenTTL)

	if err := s.accounts.SetResetToken(ctx, account.ID, resetToken, expiresAt); err != nil {
		return domain.Account{}, err
	}
	account.ResetToken = resetToken
	account.ResetTokenExpiresAt = &expiresAt

	resetURL := fmt.Sprintf("%s/reset-password/%s", s.baseURL, resetToken)
	s.sendMail(ctx, emailAddr,
		"Password Reset Request",
		fmt.Sprintf(`<p>You requested a password reset. Please click on this link: <a href="%s">%s</a></p>`, resetURL, resetURL),
	)

	return account, nil
}

// ResetPassword consume un token de reset vigente y reemplaza el hash. Un
// token expirado es indistinguible de uno desconocido.
func (s *AccountService) ResetPassword(ctx context.Context, token, newPassword string) (domain.Account, error) {
	if s.accounts == nil {
		return domain.Account{}, errors.New("account service not configured")
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Account{}, ErrInvalidOrExpiredToken
	}

	// Lectura barata antes del trabajo de hashing; la sentencia condicional
	// de abajo sigue siendo la que decide.
	if _, err := s.accounts.GetByResetToken(ctx, token, time.Now().UTC()); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, ErrInvalidOrExpiredToken
		}
		return domain.Account{}, err
	}

	passwordHash, err := HashPassword(newPassword)
	if err != nil {
		return domain.Account{}, err
	}

	account, err := s.accounts.ConsumeResetToken(ctx, token, passwordHash, time.Now().UTC())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, ErrInvalidOrExpiredToken
		}
		return domain.Account{}, err
	}
	return account, nil
}

// GetAccount devuelve la cuenta autenticada actual.
func (s *AccountService) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	if s.accounts == nil {
		return domain.Account{}, errors.New("account service not configured")
	}

	account, err := s.accounts.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, ErrAccountNotFound
		}
		return domain.Account{}, err
	}
	return account, nil
}

// sendMail despacha el correo y absorbe el fallo: una entrega fallida no
// convierte la operación en error, solo se registra.
func (s *AccountService) sendMail(ctx context.Context, to, subject, htmlBody string) {
	if s.emailSender == nil {
		return
	}
	if err := s.emailSender.Send(ctx, to, subject, htmlBody); err != nil {
		if s.logger != nil {
			s.logger.Warn("send email failed", zap.Error(err), zap.String("email", to), zap.String("subject", subject))
		}
	}
}
