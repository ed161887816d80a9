package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "halo").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("directory: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("directory: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "halo",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("directory: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

const userColumns = `id, email, email_norm, password_hash, display_name, public_fields, private, server, created_at`

// CreateUser registers a user with a fresh ULID id and a hashed password.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (Record, error) {
	const op = "directory.CreateUser"

	if s == nil || s.pool == nil {
		return Record{}, errors.New("directory: nil store")
	}

	email := strings.TrimSpace(in.Email)
	if email == "" || in.Password == "" {
		return Record{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "email and password required"}
	}

	hash, err := HashPassword(in.Password, Argon2idParams{})
	if err != nil {
		return Record{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: err.Error()}
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := NewULID(now)
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:           id,
		Email:        email,
		EmailNorm:    NormalizeEmail(email),
		PasswordHash: hash,
		DisplayName:  strings.TrimSpace(in.DisplayName),
		PublicFields: in.Fields,
		Private: map[string]any{
			"email": email,
		},
		Server: map[string]any{
			"created_at": now.Format(time.RFC3339),
			"roles":      []any{"user"},
		},
		CreatedAt: now,
	}

	publicJSON, privateJSON, serverJSON, err := marshalSegments(rec)
	if err != nil {
		return Record{}, err
	}

	users := pgIdent(s.schema, "users")
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+users+` (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Email, rec.EmailNorm, rec.PasswordHash, rec.DisplayName,
		publicJSON, privateJSON, serverJSON, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, ConflictError{Op: op, Field: "email"}
		}
		return Record{}, fmt.Errorf("insert user: %w", err)
	}

	return rec, nil
}

// Get returns the record for userID.
func (s *PostgresStore) Get(ctx context.Context, userID string) (Record, error) {
	const op = "directory.Get"

	users := pgIdent(s.schema, "users")
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+users+` WHERE id = $1`,
		userID,
	)
	return scanRecord(op, row)
}

// GetByEmail returns the record for a normalized email.
func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (Record, error) {
	const op = "directory.GetByEmail"

	users := pgIdent(s.schema, "users")
	row := s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+users+` WHERE email_norm = $1`,
		NormalizeEmail(email),
	)
	return scanRecord(op, row)
}

// SavePublic overwrites the public segment of a user record.
func (s *PostgresStore) SavePublic(ctx context.Context, in SavePublicInput) (Record, error) {
	const op = "directory.SavePublic"

	if in.UserID == "" {
		return Record{}, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing user id"}
	}

	fieldsJSON, err := marshalSegment(in.Fields)
	if err != nil {
		return Record{}, err
	}

	users := pgIdent(s.schema, "users")

	var row pgx.Row
	if email := strings.TrimSpace(in.Email); email != "" {
		row = s.pool.QueryRow(ctx,
			`UPDATE `+users+`
			    SET display_name = $2,
			        public_fields = $3,
			        email = $4,
			        email_norm = $5
			  WHERE id = $1
			RETURNING `+userColumns,
			in.UserID, strings.TrimSpace(in.DisplayName), fieldsJSON, email, NormalizeEmail(email),
		)
	} else {
		row = s.pool.QueryRow(ctx,
			`UPDATE `+users+`
			    SET display_name = $2,
			        public_fields = $3
			  WHERE id = $1
			RETURNING `+userColumns,
			in.UserID, strings.TrimSpace(in.DisplayName), fieldsJSON,
		)
	}

	rec, err := scanRecord(op, row)
	if err != nil && isUniqueViolation(err) {
		return Record{}, ConflictError{Op: op, Field: "email"}
	}
	return rec, err
}

// SetServer overwrites the server-authoritative segment.
func (s *PostgresStore) SetServer(ctx context.Context, userID string, server map[string]any) (Record, error) {
	const op = "directory.SetServer"

	serverJSON, err := marshalSegment(server)
	if err != nil {
		return Record{}, err
	}

	users := pgIdent(s.schema, "users")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+users+` SET server = $2 WHERE id = $1 RETURNING `+userColumns,
		userID, serverJSON,
	)
	return scanRecord(op, row)
}

func scanRecord(op string, row pgx.Row) (Record, error) {
	var (
		rec                                 Record
		publicJSON, privateJSON, serverJSON []byte
	)

	err := row.Scan(
		&rec.ID,
		&rec.Email,
		&rec.EmailNorm,
		&rec.PasswordHash,
		&rec.DisplayName,
		&publicJSON,
		&privateJSON,
		&serverJSON,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, NotFoundError{Op: op, Resource: "user"}
		}
		return Record{}, err
	}

	if rec.PublicFields, err = unmarshalSegment(publicJSON); err != nil {
		return Record{}, fmt.Errorf("%s: public_fields: %w", op, err)
	}
	if rec.Private, err = unmarshalSegment(privateJSON); err != nil {
		return Record{}, fmt.Errorf("%s: private: %w", op, err)
	}
	if rec.Server, err = unmarshalSegment(serverJSON); err != nil {
		return Record{}, fmt.Errorf("%s: server: %w", op, err)
	}
	return rec, nil
}

func marshalSegments(rec Record) (publicJSON, privateJSON, serverJSON []byte, err error) {
	if publicJSON, err = marshalSegment(rec.PublicFields); err != nil {
		return nil, nil, nil, err
	}
	if privateJSON, err = marshalSegment(rec.Private); err != nil {
		return nil, nil, nil, err
	}
	if serverJSON, err = marshalSegment(rec.Server); err != nil {
		return nil, nil, nil, err
	}
	return publicJSON, privateJSON, serverJSON, nil
}

func marshalSegment(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(m)
}

func unmarshalSegment(b []byte) (map[string]any, error) {
	if len(b) == 0 || string(b) == "null" || string(b) == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
