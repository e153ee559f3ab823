package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"claimbot/internal/claim"
	"claimbot/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type postgresStore struct {
	pool  *pgxpool.Pool
	log   logx.Logger
	locks keyedMutex
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*postgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresMigrations); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store ready", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &postgresStore{pool: pool, log: log}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) GetAccounts(ctx context.Context, ids []string) ([]claim.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts WHERE account_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return orderByIDs(found, ids), nil
}

func (s *postgresStore) ListAccounts(ctx context.Context) ([]claim.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY account_id`)
}

func (s *postgresStore) queryAccounts(ctx context.Context, q string, args ...any) ([]claim.Account, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (claim.Account, error) {
		var (
			a        claim.Account
			username *string
			last     *time.Time
		)
		err := row.Scan(&a.AccountID, &a.OwnerID, &username, &a.Privileged, &a.Blocked, &last, &a.TotalClaims)
		if username != nil {
			a.Username = *username
		}
		if last != nil {
			a.LastClaimedAt = last.UTC()
		}
		return a, err
	})
}

func (s *postgresStore) UpsertAccount(ctx context.Context, a claim.Account) error {
	if strings.TrimSpace(a.AccountID) == "" {
		return errors.New("account id is required")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts(account_id, owner_id, username, privileged, blocked)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT(account_id) DO UPDATE SET
		   owner_id=EXCLUDED.owner_id, username=EXCLUDED.username,
		   privileged=EXCLUDED.privileged, blocked=EXCLUDED.blocked`,
		a.AccountID, a.OwnerID, nullStr(a.Username), a.Privileged, a.Blocked,
	)
	return err
}

func (s *postgresStore) RecordClaim(ctx context.Context, accountID string, at time.Time) error {
	unlock := s.locks.Lock(accountID)
	defer unlock()

	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET total_claims = total_claims + 1, last_claimed_at = $1 WHERE account_id = $2`,
		at.UTC(), accountID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return nil
}

func (s *postgresStore) SaveRun(ctx context.Context, r RunRecord) error {
	results, err := json.Marshal(r.Results)
	if err != nil {
		return err
	}
	var finished *time.Time
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt.UTC()
		finished = &t
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO claim_runs(process_id, source, status, total, completed, failed, created_at, finished_at, err, results)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT(process_id) DO UPDATE SET
		   status=EXCLUDED.status, completed=EXCLUDED.completed, failed=EXCLUDED.failed,
		   finished_at=EXCLUDED.finished_at, err=EXCLUDED.err, results=EXCLUDED.results`,
		r.ProcessID, r.Trigger, r.Status, r.Total, r.Completed, r.Failed,
		r.CreatedAt.UTC(), finished, nullStr(r.Error), results,
	)
	return err
}

func (s *postgresStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT process_id, source, status, total, completed, failed, created_at, finished_at, err, results
		 FROM claim_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (RunRecord, error) {
		var (
			r        RunRecord
			finished *time.Time
			errStr   *string
			results  []byte
		)
		if err := row.Scan(&r.ProcessID, &r.Trigger, &r.Status, &r.Total, &r.Completed, &r.Failed, &r.CreatedAt, &finished, &errStr, &results); err != nil {
			return r, err
		}
		if finished != nil {
			r.FinishedAt = *finished
		}
		if errStr != nil {
			r.Error = *errStr
		}
		if len(results) > 0 {
			if err := json.Unmarshal(results, &r.Results); err != nil {
				s.log.Warn("claim run results unreadable", logx.String("process_id", r.ProcessID), logx.Err(err))
			}
		}
		return r, nil
	})
}
