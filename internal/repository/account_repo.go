package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"auth-api/internal/domain"
)

// ErrDuplicateKey indica una violación de unicidad de email o username.
var ErrDuplicateKey = errors.New("duplicate key")

// AccountRepository define el contrato de persistencia para cuentas.
type AccountRepository interface {
	Create(ctx context.Context, account domain.Account) error
	GetByID(ctx context.Context, id string) (domain.Account, error)
	GetByEmail(ctx context.Context, email string) (domain.Account, error)
	GetByUsername(ctx context.Context, username string) (domain.Account, error)
	GetByVerificationToken(ctx context.Context, token string) (domain.Account, error)
	GetByResetToken(ctx context.Context, token string, now time.Time) (domain.Account, error)
	ConsumeVerificationToken(ctx context.Context, token string) (domain.Account, error)
	SetResetToken(ctx context.Context, id, token string, expiresAt time.Time) error
	ConsumeResetToken(ctx context.Context, token, passwordHash string, now time.Time) (domain.Account, error)
}

// PgAccountRepository implementa AccountRepository usando pgxpool.
type PgAccountRepository struct {
	pool *pgxpool.Pool
}

func NewPgAccountRepository(pool *pgxpool.Pool) *PgAccountRepository {
	return &PgAccountRepository{pool: pool}
}

const accountColumns = `id, username, email, password_hash, verified, verification_token, reset_token, reset_token_expires_at, created_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		a                 domain.Account
		verificationToken *string
		resetToken        *string
	)
	err := row.Scan(
		&a.ID,
		&a.Username,
		&a.Email,
		&a.PasswordHash,
		&a.Verified,
		&verificationToken,
		&resetToken,
		&a.ResetTokenExpiresAt,
		&a.CreatedAt,
	)
	if err != nil {
		return domain.Account{}, err
	}
	if verificationToken != nil {
		a.VerificationToken = *verificationToken
	}
	if resetToken != nil {
		a.ResetToken = *resetToken
	}
	return a, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *PgAccountRepository) Create(ctx context.Context, account domain.Account) error {
	const query = `
		INSERT INTO accounts (id, username, email, password_hash, verified, verification_token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query,
		account.ID,
		account.Username,
		account.Email,
		account.PasswordHash,
		account.Verified,
		nullable(account.VerificationToken),
		account.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return ErrDuplicateKey
	}
	return err
}

func (r *PgAccountRepository) GetByID(ctx context.Context, id string) (domain.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, id))
}

func (r *PgAccountRepository) GetByEmail(ctx context.Context, email string) (domain.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE email = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, email))
}

func (r *PgAccountRepository) GetByUsername(ctx context.Context, username string) (domain.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE username = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, username))
}

func (r *PgAccountRepository) GetByVerificationToken(ctx context.Context, token string) (domain.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE verification_token = $1`
	return scanAccount(r.pool.QueryRow(ctx, query, token))
}

// GetByResetToken solo devuelve cuentas cuyo token de reset no haya expirado.
func (r *PgAccountRepository) GetByResetToken(ctx context.Context, token string, now time.Time) (domain.Account, error) {
	const query = `SELECT ` + accountColumns + ` FROM accounts WHERE reset_token = $1 AND reset_token_expires_at > $2`
	return scanAccount(r.pool.QueryRow(ctx, query, token, now))
}

// ConsumeVerificationToken marca la cuenta como verificada y limpia el token
// en una sola sentencia condicional; pgx.ErrNoRows si el token no coincide.
func (r *PgAccountRepository) ConsumeVerificationToken(ctx context.Context, token string) (domain.Account, error) {
	const query = `
		UPDATE accounts
		SET verified = TRUE, verification_token = NULL
		WHERE verification_token = $1
		RETURNING ` + accountColumns
	return scanAccount(r.pool.QueryRow(ctx, query, token))
}

func (r *PgAccountRepository) SetResetToken(ctx context.Context, id, token string, expiresAt time.Time) error {
	const query = `
		UPDATE accounts
		SET reset_token = $2, reset_token_expires_at = $3
		WHERE id = $1
	`
	tag, err := r.pool.Exec(ctx, query, id, token, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ConsumeResetToken reemplaza el hash y limpia el par de reset en una sola
// sentencia condicional, exigiendo token exacto y expiración futura.
func (r *PgAccountRepository) ConsumeResetToken(ctx context.Context, token, passwordHash string, now time.Time) (domain.Account, error) {
	const query = `
		UPDATE accounts
		SET password_hash = $2, reset_token = NULL, reset_token_expires_at = NULL
		WHERE reset_token = $1 AND reset_token_expires_at > $3
		RETURNING ` + accountColumns
	return scanAccount(r.pool.QueryRow(ctx, query, token, passwordHash, now))
}
