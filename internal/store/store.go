package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// ErrConflict is returned when a concurrent writer claimed the same latest slot.
var ErrConflict = errors.New("concurrent update conflict")

// ErrRubricInUse is returned when replacing a rubric that attempts already reference.
var ErrRubricInUse = errors.New("rubric is referenced by evaluation attempts")

func init() {
	sqlx.BindDriver(string(DriverSQLite), sqlx.QUESTION)
}

type Store struct {
	db     *sqlx.DB
	driver Driver
}

// New opens a SQLite store at dbPath.
func New(dbPath string) (*Store, error) {
	return Open(context.Background(), DriverSQLite, dbPath)
}

// Open opens a store for the given driver and ensures the schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = "evalcard.db"
		}
		memory := dsn == ":memory:"
		// Every transaction takes the write lock up front so that
		// read-then-write sequences are serialized.
		db, err = sqlx.Open("sqlite", dsn+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate")
		if err == nil && memory {
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		if dsn == "" {
			dsn = "postgres://localhost:5432/evalcard?sslmode=disable"
		}
		db, err = sqlx.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
	Rebind(query string) string
}

// q rewrites ? placeholders for the active driver.
func (s *Store) q(query string) string {
	return s.db.Rebind(query)
}

// txOptions returns the isolation every transaction runs at. SQLite already
// serializes writers through _txlock=immediate. Postgres runs serializable so
// the snapshot reads and the flip-and-insert hold across processes; a
// serialization failure surfaces as ErrConflict.
func (s *Store) txOptions() *sql.TxOptions {
	if s.driver == DriverPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return nil
}

// withTx runs fn inside a transaction and commits when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, s.txOptions())
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// classify maps driver-level uniqueness and busy failures to ErrConflict.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	if isConflict(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// unique_violation, serialization_failure
		return pgErr.Code == "23505" || pgErr.Code == "40001"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_BUSY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}

// notFound turns sql.ErrNoRows into a nil result.
func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id),
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	points INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS teams (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	name TEXT NOT NULL,
	UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS team_members (
	team_id INTEGER NOT NULL REFERENCES teams(id),
	project_id INTEGER NOT NULL REFERENCES projects(id),
	student_id INTEGER NOT NULL REFERENCES users(id),
	role TEXT NOT NULL,
	PRIMARY KEY (team_id, student_id),
	UNIQUE (project_id, student_id)
);

CREATE TABLE IF NOT EXISTS badges (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL UNIQUE REFERENCES projects(id),
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rubrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	phase TEXT NOT NULL,
	name TEXT NOT NULL,
	definition TEXT NOT NULL,
	created_by INTEGER NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (project_id, phase)
);

CREATE TABLE IF NOT EXISTS evaluation_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	phase TEXT NOT NULL,
	subject_kind TEXT NOT NULL,
	subject_id INTEGER NOT NULL,
	evaluator_id INTEGER NOT NULL,
	rubric_id INTEGER NOT NULL REFERENCES rubrics(id),
	role TEXT NOT NULL DEFAULT '',
	submission_id INTEGER,
	attempt_number INTEGER NOT NULL,
	is_latest INTEGER NOT NULL DEFAULT 0,
	raw_score REAL NOT NULL,
	final_score INTEGER NOT NULL,
	status TEXT NOT NULL,
	retry_allowed INTEGER NOT NULL DEFAULT 0,
	detail TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (project_id, phase, subject_id, attempt_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_attempts_latest
	ON evaluation_attempts (project_id, phase, subject_id) WHERE is_latest = 1;

CREATE TABLE IF NOT EXISTS final_evaluations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id),
	student_id INTEGER NOT NULL,
	team_id INTEGER,
	group_attempt_id INTEGER REFERENCES evaluation_attempts(id),
	individual_attempt_id INTEGER NOT NULL REFERENCES evaluation_attempts(id),
	group_score INTEGER,
	individual_score INTEGER NOT NULL,
	final_score INTEGER NOT NULL,
	max_score INTEGER NOT NULL,
	final_percentage REAL NOT NULL,
	status TEXT NOT NULL,
	verbal_grade TEXT NOT NULL,
	is_latest INTEGER NOT NULL DEFAULT 0,
	attempt_number INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (project_id, student_id, attempt_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_finals_latest
	ON final_evaluations (project_id, student_id) WHERE is_latest = 1;

CREATE TABLE IF NOT EXISTS award_ledger (
	id TEXT PRIMARY KEY,
	student_id INTEGER NOT NULL,
	project_id INTEGER NOT NULL,
	cause_id INTEGER NOT NULL UNIQUE REFERENCES final_evaluations(id),
	points INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (student_id, project_id)
);

CREATE TABLE IF NOT EXISTS student_progress (
	student_id INTEGER PRIMARY KEY,
	points INTEGER NOT NULL DEFAULT 0,
	level INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS completed_projects (
	student_id INTEGER NOT NULL,
	project_id INTEGER NOT NULL,
	completed_at DATETIME NOT NULL,
	PRIMARY KEY (student_id, project_id)
);

CREATE TABLE IF NOT EXISTS badge_awards (
	badge_id INTEGER NOT NULL REFERENCES badges(id),
	student_id INTEGER NOT NULL,
	awarded_at DATETIME NOT NULL,
	evaluation_attempt_id INTEGER NOT NULL,
	PRIMARY KEY (badge_id, student_id)
);

CREATE TABLE IF NOT EXISTS attempt_feedback (
	attempt_id INTEGER PRIMARY KEY REFERENCES evaluation_attempts(id),
	feedback TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id BIGINT NOT NULL REFERENCES users(id),
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS imported_files (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	points INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS teams (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id),
	name TEXT NOT NULL,
	UNIQUE (project_id, name)
);

CREATE TABLE IF NOT EXISTS team_members (
	team_id BIGINT NOT NULL REFERENCES teams(id),
	project_id BIGINT NOT NULL REFERENCES projects(id),
	student_id BIGINT NOT NULL REFERENCES users(id),
	role TEXT NOT NULL,
	PRIMARY KEY (team_id, student_id),
	UNIQUE (project_id, student_id)
);

CREATE TABLE IF NOT EXISTS badges (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL UNIQUE REFERENCES projects(id),
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS rubrics (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id),
	phase TEXT NOT NULL,
	name TEXT NOT NULL,
	definition TEXT NOT NULL,
	created_by BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (project_id, phase)
);

CREATE TABLE IF NOT EXISTS evaluation_attempts (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id),
	phase TEXT NOT NULL,
	subject_kind TEXT NOT NULL,
	subject_id BIGINT NOT NULL,
	evaluator_id BIGINT NOT NULL,
	rubric_id BIGINT NOT NULL REFERENCES rubrics(id),
	role TEXT NOT NULL DEFAULT '',
	submission_id BIGINT,
	attempt_number INTEGER NOT NULL,
	is_latest BOOLEAN NOT NULL DEFAULT FALSE,
	raw_score DOUBLE PRECISION NOT NULL,
	final_score INTEGER NOT NULL,
	status TEXT NOT NULL,
	retry_allowed BOOLEAN NOT NULL DEFAULT FALSE,
	detail TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (project_id, phase, subject_id, attempt_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_attempts_latest
	ON evaluation_attempts (project_id, phase, subject_id) WHERE is_latest;

CREATE TABLE IF NOT EXISTS final_evaluations (
	id BIGSERIAL PRIMARY KEY,
	project_id BIGINT NOT NULL REFERENCES projects(id),
	student_id BIGINT NOT NULL,
	team_id BIGINT,
	group_attempt_id BIGINT REFERENCES evaluation_attempts(id),
	individual_attempt_id BIGINT NOT NULL REFERENCES evaluation_attempts(id),
	group_score INTEGER,
	individual_score INTEGER NOT NULL,
	final_score INTEGER NOT NULL,
	max_score INTEGER NOT NULL,
	final_percentage DOUBLE PRECISION NOT NULL,
	status TEXT NOT NULL,
	verbal_grade TEXT NOT NULL,
	is_latest BOOLEAN NOT NULL DEFAULT FALSE,
	attempt_number INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (project_id, student_id, attempt_number)
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_finals_latest
	ON final_evaluations (project_id, student_id) WHERE is_latest;

CREATE TABLE IF NOT EXISTS award_ledger (
	id TEXT PRIMARY KEY,
	student_id BIGINT NOT NULL,
	project_id BIGINT NOT NULL,
	cause_id BIGINT NOT NULL UNIQUE REFERENCES final_evaluations(id),
	points INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (student_id, project_id)
);

CREATE TABLE IF NOT EXISTS student_progress (
	student_id BIGINT PRIMARY KEY,
	points INTEGER NOT NULL DEFAULT 0,
	level INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS completed_projects (
	student_id BIGINT NOT NULL,
	project_id BIGINT NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (student_id, project_id)
);

CREATE TABLE IF NOT EXISTS badge_awards (
	badge_id BIGINT NOT NULL REFERENCES badges(id),
	student_id BIGINT NOT NULL,
	awarded_at TIMESTAMPTZ NOT NULL,
	evaluation_attempt_id BIGINT NOT NULL,
	PRIMARY KEY (badge_id, student_id)
);

CREATE TABLE IF NOT EXISTS attempt_feedback (
	attempt_id BIGINT PRIMARY KEY REFERENCES evaluation_attempts(id),
	feedback TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
`
