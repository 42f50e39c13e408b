package log

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"vigil/internal/audit"
	"vigil/pkg/domain"
	dErrors "vigil/pkg/domain-errors"
)

// PostgresStore persists the audit log in PostgreSQL.
//
// Expected schema:
//
//	CREATE TABLE audit_entries (
//	    seq         BIGINT PRIMARY KEY,
//	    ts          TIMESTAMPTZ NOT NULL,
//	    actor_id    TEXT NOT NULL,
//	    actor_name  TEXT NOT NULL DEFAULT '',
//	    actor_role  TEXT NOT NULL DEFAULT '',
//	    action      TEXT NOT NULL,
//	    action_type TEXT NOT NULL,
//	    res_type    TEXT NOT NULL,
//	    res_id      TEXT NOT NULL DEFAULT '',
//	    outcome     TEXT NOT NULL,
//	    severity    TEXT NOT NULL,
//	    origin      JSONB NOT NULL DEFAULT '{}',
//	    detail      TEXT NOT NULL DEFAULT '',
//	    metadata    JSONB,
//	    chain_hash  TEXT NOT NULL
//	);
//
// Appends take a transaction-scoped advisory lock so sequence assignment and
// chain hashing see a stable predecessor; readers never take the lock.
type PostgresStore struct {
	db *sql.DB
}

// appendLockKey is the advisory lock id serializing appends. One log, one
// writer at a time.
const appendLockKey = 0x76696769 // "vigi"

// NewPostgres constructs a PostgreSQL-backed log store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, entry audit.Entry) (audit.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return audit.Entry{}, dErrors.Wrap(err, dErrors.CodeStorage, "begin append transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockKey); err != nil {
		return audit.Entry{}, dErrors.Wrap(err, dErrors.CodeStorage, "acquire append lock")
	}

	var (
		head     int64
		prevHash string
	)
	row := tx.QueryRowContext(ctx, `
		SELECT seq, chain_hash FROM audit_entries ORDER BY seq DESC LIMIT 1
	`)
	if err = row.Scan(&head, &prevHash); err != nil && err != sql.ErrNoRows {
		return audit.Entry{}, dErrors.Wrap(err, dErrors.CodeStorage, "read log head")
	}

	entry.Seq = audit.Seq(head + 1)
	entry.ChainHash = audit.ChainDigest(prevHash, entry)

	originJSON, err := json.Marshal(entry.Origin)
	if err != nil {
		return audit.Entry{}, dErrors.Wrap(err, dErrors.CodeStorage, "marshal origin")
	}
	var metadataJSON []byte
	if entry.Metadata != nil {
		if metadataJSON, err = json.Marshal(entry.Metadata); err != nil {
			return audit.Entry{}, dErrors.Wrap(err, dErrors.CodeStorage, "marshal metadata")
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_entries (
			seq, ts, actor_id, actor_name, actor_role,
			action, action_type, res_type, res_id,
			outcome, severity, origin, detail, metadata, chain_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		int64(entry.Seq), entry.Timestamp, entry.Actor.ID.String(), entry.Actor.Name, entry.Actor.Role,
		entry.Action, string(entry.ActionType), entry.Resource.Type, entry.Resource.ID,
		string(entry.Outcome), string(entry.Severity), originJSON, entry.Detail, metadataJSON, entry.ChainHash,
	)
	if err != nil {
		return audit.Entry{}, dErrors.Wrap(err, dErrors.CodeStorage, "insert audit entry")
	}

	if err = tx.Commit(); err != nil {
		return audit.Entry{}, dErrors.Wrap(err, dErrors.CodeStorage, "commit audit entry")
	}
	return entry, nil
}

func (s *PostgresStore) ReadFrom(ctx context.Context, cursor audit.Seq, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, ts, actor_id, actor_name, actor_role,
		       action, action_type, res_type, res_id,
		       outcome, severity, origin, detail, metadata, chain_hash
		FROM audit_entries
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2
	`, int64(cursor), limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "read entries from cursor")
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (s *PostgresStore) Head(ctx context.Context) (audit.Seq, error) {
	var head int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM audit_entries`).Scan(&head)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeStorage, "read log head")
	}
	return audit.Seq(head), nil
}

func (s *PostgresStore) List(ctx context.Context, filter audit.Filter) ([]audit.Entry, int, error) {
	where, args := filterClauses(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM audit_entries` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, dErrors.Wrap(err, dErrors.CodeStorage, "count matching entries")
	}

	offset, size := filter.Bounds()
	query := `
		SELECT seq, ts, actor_id, actor_name, actor_role,
		       action, action_type, res_type, res_id,
		       outcome, severity, origin, detail, metadata, chain_hash
		FROM audit_entries` + where + fmt.Sprintf(`
		ORDER BY seq DESC
		LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, size, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, dErrors.Wrap(err, dErrors.CodeStorage, "list entries")
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func filterClauses(f audit.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To)
	}
	if !f.ActorID.IsZero() {
		add("actor_id = $%d", f.ActorID.String())
	}
	if f.ActionType != "" {
		add("action_type = $%d", string(f.ActionType))
	}
	if f.Outcome != "" {
		add("outcome = $%d", string(f.Outcome))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		var (
			e            audit.Entry
			seq          int64
			ts           time.Time
			actorID      string
			originJSON   []byte
			metadataJSON []byte
		)
		err := rows.Scan(&seq, &ts, &actorID, &e.Actor.Name, &e.Actor.Role,
			&e.Action, &e.ActionType, &e.Resource.Type, &e.Resource.ID,
			&e.Outcome, &e.Severity, &originJSON, &e.Detail, &metadataJSON, &e.ChainHash)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeStorage, "scan audit entry")
		}
		e.Seq = audit.Seq(seq)
		e.Timestamp = ts
		e.Actor.ID = domain.AccountID(actorID)
		if len(originJSON) > 0 {
			if err := json.Unmarshal(originJSON, &e.Origin); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeStorage, "unmarshal origin")
			}
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
				return nil, dErrors.Wrap(err, dErrors.CodeStorage, "unmarshal metadata")
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "iterate audit entries")
	}
	return entries, nil
}
