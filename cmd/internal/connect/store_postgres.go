package connect

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"kindred/cmd/identity/ids"
)

// PostgresLedger is a Ledger backed by PostgreSQL.
//
// Ownership model:
// - PostgresLedger does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
// - The unique index on (pair_low, pair_high) is the single race-resolution
//   point: a concurrent duplicate insert surfaces as SQLSTATE 23505 and is
//   converted to the same DuplicateError a pre-read would have produced.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	users  UserDirectory
	schema string
}

// LedgerOption configures PostgresLedger behavior.
type LedgerOption func(*PostgresLedger) error

// WithLedgerSchema sets the DB schema used by this store (default: "kindred").
func WithLedgerSchema(schema string) LedgerOption {
	return func(l *PostgresLedger) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("connect: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("connect: invalid schema identifier")
		}
		l.schema = schema
		return nil
	}
}

// NewPostgresLedger constructs a Postgres-backed Ledger.
func NewPostgresLedger(pool *pgxpool.Pool, users UserDirectory, opts ...LedgerOption) (*PostgresLedger, error) {
	l := &PostgresLedger{pool: pool, users: users, schema: "kindred"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.pool == nil {
		return nil, errors.New("connect: nil pool")
	}
	return l, nil
}

// SendRequest creates a request after self/duplicate/unknown-recipient checks.
func (l *PostgresLedger) SendRequest(ctx context.Context, from, to string, status Status) (Request, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return Request{}, invalidInput("connect.SendRequest", "missing user id")
	}
	if !SendableStatus(status) {
		return Request{}, invalidInput("connect.SendRequest", "status must be interested or ignored")
	}
	if from == to {
		return Request{}, ErrSelfRequest
	}

	if l.users != nil {
		ok, err := l.users.Exists(ctx, to)
		if err != nil {
			return Request{}, err
		}
		if !ok {
			return Request{}, ErrNotFound
		}
	}

	low, high := OrderPair(from, to)

	// Pre-read for the common duplicate case so the caller gets the
	// state-specific reason without burning an insert attempt.
	if existing, err := l.readByPair(ctx, low, high); err == nil {
		return Request{}, duplicateFor(existing.Status)
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return Request{}, err
	}

	now := time.Now().UTC()
	id, err := ids.NewULID(now)
	if err != nil {
		return Request{}, err
	}

	requests := pgIdent(l.schema, "connection_requests")

	_, err = l.pool.Exec(ctx,
		`INSERT INTO `+requests+` (id, from_user_id, to_user_id, status, created_at, pair_low, pair_high)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id, from, to, string(status), now, low, high,
	)
	if isUniqueViolation(err) {
		// Lost the race to a concurrent sender: report the winner's state.
		existing, rerr := l.readByPair(ctx, low, high)
		if rerr != nil {
			return Request{}, duplicateFor("")
		}
		return Request{}, duplicateFor(existing.Status)
	}
	if err != nil {
		return Request{}, err
	}

	return Request{ID: id, FromUserID: from, ToUserID: to, Status: status, CreatedAt: now}, nil
}

// ReviewRequest transitions a pending request addressed to reviewer, once.
// The status predicate in the UPDATE makes double reviews indistinguishable
// from a bad id, by contract.
func (l *PostgresLedger) ReviewRequest(ctx context.Context, reviewer, requestID string, decision Status) (Request, error) {
	if !ReviewStatus(decision) {
		return Request{}, invalidInput("connect.ReviewRequest", "decision must be accepted or rejected")
	}

	requests := pgIdent(l.schema, "connection_requests")
	now := time.Now().UTC()

	var r Request
	var reviewedAt time.Time
	err := l.pool.QueryRow(ctx,
		`UPDATE `+requests+`
		    SET status = $1, reviewed_at = $2
		  WHERE id = $3 AND to_user_id = $4 AND status = $5
		RETURNING id, from_user_id, to_user_id, status, created_at, reviewed_at`,
		string(decision), now, requestID, reviewer, string(StatusInterested),
	).Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Status, &r.CreatedAt, &reviewedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, err
	}
	r.ReviewedAt = &reviewedAt
	return r, nil
}

// IsConnected reports whether an accepted request exists for the pair.
func (l *PostgresLedger) IsConnected(ctx context.Context, a, b string) (bool, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" || a == b {
		return false, nil
	}

	requests := pgIdent(l.schema, "connection_requests")
	low, high := OrderPair(a, b)

	var one int
	err := l.pool.QueryRow(ctx,
		`SELECT 1 FROM `+requests+` WHERE pair_low = $1 AND pair_high = $2 AND status = $3`,
		low, high, string(StatusAccepted),
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListSent returns requests the user initiated, newest first.
func (l *PostgresLedger) ListSent(ctx context.Context, userID string, limit, offset int) ([]Request, int64, error) {
	return l.listRequests(ctx,
		`from_user_id = $1 AND status <> '`+string(StatusIgnored)+`'`,
		`created_at DESC`, userID, limit, offset)
}

// ListPending returns requests awaiting the user's review, newest first.
func (l *PostgresLedger) ListPending(ctx context.Context, userID string, limit, offset int) ([]Request, int64, error) {
	return l.listRequests(ctx,
		`to_user_id = $1 AND status = '`+string(StatusInterested)+`'`,
		`created_at DESC`, userID, limit, offset)
}

// ListConnections returns accepted requests involving the user, most recently
// reviewed first, reshaped around the other user.
func (l *PostgresLedger) ListConnections(ctx context.Context, userID string, limit, offset int) ([]Connection, int64, error) {
	reqs, total, err := l.listRequests(ctx,
		`(from_user_id = $1 OR to_user_id = $1) AND status = '`+string(StatusAccepted)+`'`,
		`reviewed_at DESC`, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}

	out := make([]Connection, 0, len(reqs))
	for _, r := range reqs {
		other := r.FromUserID
		if other == userID {
			other = r.ToUserID
		}
		out = append(out, Connection{RequestID: r.ID, UserID: other, ConnectedAt: *r.ReviewedAt})
	}
	return out, total, nil
}

func (l *PostgresLedger) listRequests(ctx context.Context, where, order, userID string, limit, offset int) ([]Request, int64, error) {
	limit = clampListLimit(limit)
	if offset < 0 {
		offset = 0
	}

	requests := pgIdent(l.schema, "connection_requests")

	var total int64
	if err := l.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+requests+` WHERE `+where, userID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := l.pool.Query(ctx,
		`SELECT id, from_user_id, to_user_id, status, created_at, reviewed_at
		   FROM `+requests+`
		  WHERE `+where+`
		  ORDER BY `+order+`
		  LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]Request, 0, limit)
	for rows.Next() {
		var r Request
		var reviewedAt *time.Time
		if err := rows.Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Status, &r.CreatedAt, &reviewedAt); err != nil {
			return nil, 0, err
		}
		r.ReviewedAt = reviewedAt
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (l *PostgresLedger) readByPair(ctx context.Context, low, high string) (Request, error) {
	requests := pgIdent(l.schema, "connection_requests")

	var r Request
	var reviewedAt *time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT id, from_user_id, to_user_id, status, created_at, reviewed_at
		   FROM `+requests+`
		  WHERE pair_low = $1 AND pair_high = $2`,
		low, high,
	).Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Status, &r.CreatedAt, &reviewedAt)
	if err != nil {
		return Request{}, err
	}
	r.ReviewedAt = reviewedAt
	return r, nil
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
