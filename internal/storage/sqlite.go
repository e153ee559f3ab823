package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"claimbot/internal/claim"
	"claimbot/pkg/logx"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	locks keyedMutex
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps SQLite out of SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.ExecContext(ctx, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

const accountCols = `account_id, owner_id, username, privileged, blocked, last_claimed_at, total_claims`

func (s *sqliteStore) GetAccounts(ctx context.Context, ids []string) ([]claim.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	q := `SELECT ` + accountCols + ` FROM accounts WHERE account_id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`
	found, err := s.queryAccounts(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, ids), nil
}

func (s *sqliteStore) ListAccounts(ctx context.Context) ([]claim.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY account_id`)
}

func (s *sqliteStore) queryAccounts(ctx context.Context, q string, args ...any) ([]claim.Account, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []claim.Account
	for rows.Next() {
		var (
			a        claim.Account
			username sql.NullString
			last     sql.NullString
		)
		if err := rows.Scan(&a.AccountID, &a.OwnerID, &username, &a.Privileged, &a.Blocked, &last, &a.TotalClaims); err != nil {
			return nil, err
		}
		a.Username = username.String
		if last.Valid {
			a.LastClaimedAt, _ = time.Parse(time.RFC3339Nano, last.String)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertAccount(ctx context.Context, a claim.Account) error {
	if strings.TrimSpace(a.AccountID) == "" {
		return errors.New("account id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(account_id, owner_id, username, privileged, blocked)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   owner_id=excluded.owner_id, username=excluded.username,
		   privileged=excluded.privileged, blocked=excluded.blocked`,
		a.AccountID, a.OwnerID, nullStr(a.Username), a.Privileged, a.Blocked,
	)
	return err
}

func (s *sqliteStore) RecordClaim(ctx context.Context, accountID string, at time.Time) error {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET total_claims = total_claims + 1, last_claimed_at = ? WHERE account_id = ?`,
		at.UTC().Format(time.RFC3339Nano), accountID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil
}

func (s *sqliteStore) SaveRun(ctx context.Context, r RunRecord) error {
	results, err := json.Marshal(r.Results)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO claim_runs(process_id, source, status, total, completed, failed, created_at, finished_at, err, results)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(process_id) DO UPDATE SET
		   status=excluded.status, completed=excluded.completed, failed=excluded.failed,
		   finished_at=excluded.finished_at, err=excluded.err, results=excluded.results`,
		r.ProcessID, r.Trigger, r.Status, r.Total, r.Completed, r.Failed,
		r.CreatedAt.UTC().Format(time.RFC3339Nano), nullTime(r.FinishedAt), nullStr(r.Error), string(results),
	)
	return err
}

func (s *sqliteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT process_id, source, status, total, completed, failed, created_at, finished_at, err, results
		 FROM claim_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                RunRecord
			created          string
			finished, errStr sql.NullString
			results          sql.NullString
		)
		if err := rows.Scan(&r.ProcessID, &r.Trigger, &r.Status, &r.Total, &r.Completed, &r.Failed, &created, &finished, &errStr, &results); err != nil {
			return nil, err
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if finished.Valid {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
		}
		r.Error = errStr.String
		if results.Valid && results.String != "" {
			if err := json.Unmarshal([]byte(results.String), &r.Results); err != nil {
				s.log.Warn("claim run results unreadable", logx.String("process_id", r.ProcessID), logx.Err(err))
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func orderByIDs(found []claim.Account, ids []string) []claim.Account {
	byID := make(map[string]claim.Account, len(found))
	for _, a := range found {
		byID[a.AccountID] = a
	}
	out := make([]claim.Account, 0, len(found))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if a, ok := byID[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, a)
		}
	}
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
