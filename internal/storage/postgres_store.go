package storage

import (
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"

	"github.com/example/ride-protocol/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// SaveEvent appends an event. Duplicate ids are ignored, matching the
// protocol's idempotent-replay semantics.
func (p *PostgresStore) SaveEvent(sessionID string, e *models.SignedEvent) error {
	refs, err := json.Marshal(e.Refs)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(
		`INSERT INTO events(id, session_id, author, created_at, kind, refs, body, sig)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, sessionID, e.AuthorKey, e.CreatedAt, int(e.Kind), refs, []byte(e.Body), e.Sig)
	return err
}

func (p *PostgresStore) LoadAll() ([]*models.SignedEvent, error) {
	rows, err := p.db.Query(
		`SELECT id, author, created_at, kind, refs, body, sig FROM events ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (p *PostgresStore) LoadSession(sessionID string) ([]*models.SignedEvent, error) {
	rows, err := p.db.Query(
		`SELECT id, author, created_at, kind, refs, body, sig FROM events WHERE session_id=$1 ORDER BY created_at`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*models.SignedEvent, error) {
	var out []*models.SignedEvent
	for rows.Next() {
		var e models.SignedEvent
		var refs, body []byte
		if err := rows.Scan(&e.ID, &e.AuthorKey, &e.CreatedAt, &e.Kind, &refs, &body, &e.Sig); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(refs, &e.Refs); err != nil {
			return nil, err
		}
		e.Body = json.RawMessage(body)
		out = append(out, &e)
	}
	return out, rows.Err()
}
