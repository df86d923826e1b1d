package identity

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory is a Directory backed by PostgreSQL.
//
// Ownership model:
// - PostgresDirectory does NOT own the pgx pool. The caller must close the pool.
type PostgresDirectory struct {
	pool   *pgxpool.Pool
	schema string
}

// DirectoryOption configures PostgresDirectory behavior.
type DirectoryOption func(*PostgresDirectory) error

// WithDirectorySchema sets the DB schema used by this store (default: "kindred").
// The schema name is validated and safely quoted in queries.
func WithDirectorySchema(schema string) DirectoryOption {
	return func(d *PostgresDirectory) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("identity: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("identity: invalid schema identifier")
		}
		d.schema = schema
		return nil
	}
}

// NewPostgresDirectory constructs a Postgres-backed Directory.
func NewPostgresDirectory(pool *pgxpool.Pool, opts ...DirectoryOption) (*PostgresDirectory, error) {
	d := &PostgresDirectory{pool: pool, schema: "kindred"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	if d.pool == nil {
		return nil, errors.New("identity: nil pool")
	}
	return d, nil
}

// CreateUser inserts a user row; a duplicate email surfaces as ErrConflict.
func (d *PostgresDirectory) CreateUser(ctx context.Context, u User) error {
	if u.ID == "" || u.Email == "" {
		return OpError{Op: "identity.CreateUser", Kind: ErrInvalidInput}
	}

	users := pgIdent(d.schema, "users")

	_, err := d.pool.Exec(ctx,
		`INSERT INTO `+users+` (id, email, name, password_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.CreatedAt,
	)
	if isUniqueViolation(err) {
		return OpError{Op: "identity.CreateUser", Kind: ErrConflict, Msg: "email"}
	}
	return err
}

// GetByID returns a user by id.
func (d *PostgresDirectory) GetByID(ctx context.Context, id string) (User, error) {
	users := pgIdent(d.schema, "users")

	var u User
	err := d.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at FROM `+users+` WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, OpError{Op: "identity.GetByID", Kind: ErrNotFound, Msg: "user"}
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// GetByEmail returns a user by normalized email.
func (d *PostgresDirectory) GetByEmail(ctx context.Context, email string) (User, error) {
	users := pgIdent(d.schema, "users")
	email = strings.ToLower(strings.TrimSpace(email))

	var u User
	err := d.pool.QueryRow(ctx,
		`SELECT id, email, name, password_hash, created_at FROM `+users+` WHERE email = $1`,
		email,
	).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, OpError{Op: "identity.GetByEmail", Kind: ErrNotFound, Msg: "user"}
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// Exists reports whether a user id is present.
func (d *PostgresDirectory) Exists(ctx context.Context, id string) (bool, error) {
	if strings.TrimSpace(id) == "" {
		return false, nil
	}

	users := pgIdent(d.schema, "users")

	var one int
	err := d.pool.QueryRow(ctx, `SELECT 1 FROM `+users+` WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
