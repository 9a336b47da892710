package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name               string
	numberedParams     bool // $1, $2 ... instead of ?
	isConstraint       func(error) bool
	isConnectionFailed func(error) bool
}

// sqlStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound per dialect; arguments are always bound, never
// interpolated.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     zerolog.Logger
	now     func() time.Time
}

const (
	userColumns    = `id, username, email, password_hash, created_at, last_login`
	tokenColumns   = `id, user_id, token_value, created_at, expires_at, issued_for`
	serviceColumns = `id, name, domain, client_id, client_secret, created_at, is_active`
)

const (
	qInsertUser          = `INSERT INTO users (username, email, password_hash, created_at) VALUES (?, ?, ?, ?) RETURNING id`
	qSelectUserByEmail   = `SELECT ` + userColumns + ` FROM users WHERE email = ?`
	qSelectUserByID      = `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	qSelectUserByName    = `SELECT ` + userColumns + ` FROM users WHERE username = ? ORDER BY id LIMIT 1`
	qUpdateLastLogin     = `UPDATE users SET last_login = ? WHERE id = ?`
	qInsertToken         = `INSERT INTO tokens (user_id, token_value, created_at, expires_at, issued_for) VALUES (?, ?, ?, ?, ?) RETURNING id`
	qSelectToken         = `SELECT ` + tokenColumns + ` FROM tokens WHERE token_value = ?`
	qDeleteToken         = `DELETE FROM tokens WHERE token_value = ?`
	qDeleteExpired       = `DELETE FROM tokens WHERE expires_at < ?`
	qInsertService       = `INSERT INTO registered_services (name, domain, client_id, client_secret, created_at, is_active) VALUES (?, ?, ?, ?, ?, ?) RETURNING id`
	qSelectServiceDomain = `SELECT ` + serviceColumns + ` FROM registered_services WHERE domain = ?`
	qSelectServiceKey    = `SELECT ` + serviceColumns + ` FROM registered_services WHERE client_secret = ?`
	qUpdateServiceActive = `UPDATE registered_services SET is_active = ? WHERE domain = ?`
	qListServices        = `SELECT ` + serviceColumns + ` FROM registered_services ORDER BY id`
)

func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// fail converts a driver error into ErrNotFound or a logged *StorageError.
// Only the query text is logged; bound values may contain secrets.
func (s *sqlStore) fail(op, query string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	kind := QueryFailure
	switch {
	case s.dialect.isConstraint(err):
		kind = ConstraintViolation
	case s.isConnectionFailure(err):
		kind = ConnectionFailure
	}
	ev := s.log.Error()
	if kind == ConstraintViolation {
		ev = s.log.Warn()
	}
	ev.Err(err).Str("op", op).Str("kind", kind.String()).Str("query", query).Msg("storage operation failed")
	return &StorageError{Kind: kind, Op: op, Err: err}
}

func (s *sqlStore) isConnectionFailure(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return s.dialect.isConnectionFailed != nil && s.dialect.isConnectionFailed(err)
}

// write runs fn in a transaction so a failed call leaves nothing visible.
func (s *sqlStore) write(ctx context.Context, op, query string, fn func(ctx context.Context, tx DBTX) error) error {
	var fnErr error
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		fnErr = fn(ctx, tx)
		return fnErr
	})
	if err == nil {
		return nil
	}
	if errors.Is(fnErr, ErrNotFound) {
		return ErrNotFound
	}
	return s.fail(op, query, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var lastLogin sql.NullTime
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt, &lastLogin); err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	if lastLogin.Valid {
		ts := lastLogin.Time.UTC()
		u.LastLogin = &ts
	}
	return &u, nil
}

func scanToken(row rowScanner) (*Token, error) {
	var t Token
	var issuedFor sql.NullString
	if err := row.Scan(&t.ID, &t.UserID, &t.Value, &t.CreatedAt, &t.ExpiresAt, &issuedFor); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.IssuedFor = issuedFor.String
	return &t, nil
}

func scanService(row rowScanner) (*Service, error) {
	var svc Service
	if err := row.Scan(&svc.ID, &svc.Name, &svc.Domain, &svc.ClientID, &svc.SecretHash, &svc.CreatedAt, &svc.Active); err != nil {
		return nil, err
	}
	svc.CreatedAt = svc.CreatedAt.UTC()
	return &svc, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *sqlStore) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	u := &User{Username: username, Email: email, PasswordHash: passwordHash, CreatedAt: stamp(s.now())}
	err := s.write(ctx, "create_user", qInsertUser, func(ctx context.Context, tx DBTX) error {
		return tx.QueryRowContext(ctx, s.rebind(qInsertUser), username, email, passwordHash, u.CreatedAt).Scan(&u.ID)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *sqlStore) getUser(ctx context.Context, op, query string, arg any) (*User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.rebind(query), arg))
	if err != nil {
		return nil, s.fail(op, query, err)
	}
	return u, nil
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "get_user_by_email", qSelectUserByEmail, email)
}

func (s *sqlStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.getUser(ctx, "get_user_by_id", qSelectUserByID, id)
}

func (s *sqlStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, "get_user_by_username", qSelectUserByName, username)
}

func (s *sqlStore) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	return s.write(ctx, "update_last_login", qUpdateLastLogin, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, s.rebind(qUpdateLastLogin), stamp(at), id)
		if err != nil {
			return err
		}
		return requireAffected(res)
	})
}

func (s *sqlStore) CreateToken(ctx context.Context, t *Token) (*Token, error) {
	row := *t
	row.CreatedAt = stamp(t.CreatedAt)
	row.ExpiresAt = stamp(t.ExpiresAt)
	err := s.write(ctx, "create_token", qInsertToken, func(ctx context.Context, tx DBTX) error {
		return tx.QueryRowContext(ctx, s.rebind(qInsertToken),
			row.UserID, row.Value, row.CreatedAt, row.ExpiresAt, nullString(row.IssuedFor)).Scan(&row.ID)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *sqlStore) GetTokenByValue(ctx context.Context, value string) (*Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, s.rebind(qSelectToken), value))
	if err != nil {
		return nil, s.fail("get_token_by_value", qSelectToken, err)
	}
	return t, nil
}

func (s *sqlStore) DeleteToken(ctx context.Context, value string) error {
	return s.write(ctx, "delete_token", qDeleteToken, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, s.rebind(qDeleteToken), value)
		if err != nil {
			return err
		}
		return requireAffected(res)
	})
}

func (s *sqlStore) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.write(ctx, "delete_expired_tokens", qDeleteExpired, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, s.rebind(qDeleteExpired), stamp(before))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqlStore) CreateService(ctx context.Context, svc *Service) (*Service, error) {
	row := *svc
	row.Active = true
	row.CreatedAt = stamp(s.now())
	err := s.write(ctx, "create_service", qInsertService, func(ctx context.Context, tx DBTX) error {
		return tx.QueryRowContext(ctx, s.rebind(qInsertService),
			row.Name, row.Domain, row.ClientID, row.SecretHash, row.CreatedAt, row.Active).Scan(&row.ID)
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *sqlStore) GetServiceByDomain(ctx context.Context, domain string) (*Service, error) {
	svc, err := scanService(s.db.QueryRowContext(ctx, s.rebind(qSelectServiceDomain), domain))
	if err != nil {
		return nil, s.fail("get_service_by_domain", qSelectServiceDomain, err)
	}
	return svc, nil
}

func (s *sqlStore) GetServiceByAPIKey(ctx context.Context, keyHash string) (*Service, error) {
	svc, err := scanService(s.db.QueryRowContext(ctx, s.rebind(qSelectServiceKey), keyHash))
	if err != nil {
		return nil, s.fail("get_service_by_api_key", qSelectServiceKey, err)
	}
	return svc, nil
}

func (s *sqlStore) SetServiceActive(ctx context.Context, domain string, active bool) (*Service, error) {
	var svc *Service
	err := s.write(ctx, "set_service_active", qUpdateServiceActive, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, s.rebind(qUpdateServiceActive), active, domain)
		if err != nil {
			return err
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		svc, err = scanService(tx.QueryRowContext(ctx, s.rebind(qSelectServiceDomain), domain))
		return err
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *sqlStore) ListServices(ctx context.Context) ([]*Service, error) {
	rows, err := s.db.QueryContext(ctx, qListServices)
	if err != nil {
		return nil, s.fail("list_services", qListServices, err)
	}
	defer rows.Close()

	services := []*Service{}
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, s.fail("list_services", qListServices, err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, s.fail("list_services", qListServices, err)
	}
	return services, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &StorageError{Kind: ConnectionFailure, Op: "ping", Err: err}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
