package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LockKey — ключ pg advisory lock лидера планировщика.
const LockKey int64 = 424242

// Leader решает, выполняет ли процесс тики.
type Leader interface {
	// TryAcquire пытается стать лидером (или подтверждает лидерство).
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// PgLeader — leader election через pg_try_advisory_lock.
//
// Advisory lock живёт в сессии, поэтому лидер держит отдельное
// соединение из пула, пока лидерство не потеряно.
type PgLeader struct {
	pool *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

// NewPgLeader создаёт PgLeader.
func NewPgLeader(pool *pgxpool.Pool, key int64) *PgLeader {
	return &PgLeader{pool: pool, key: key}
}

// TryAcquire пытается захватить lock. Если соединение лидера
// разорвано, lock считается потерянным.
func (l *PgLeader) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release отпускает lock, если он захвачен.
func (l *PgLeader) Release(ctx context.Context) {
	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
}

// Run выполняет Tick каждые interval, пока процесс является лидером.
// Блокируется до отмены ctx.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, leader Leader) {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	defer leader.Release(context.Background())

	var leading bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			ok, err := leader.TryAcquire(ctx)
			if err != nil {
				s.logger.Error("leader election failed", "error", err)
				continue
			}
			if ok != leading {
				leading = ok
				s.logger.Info("leadership changed", slog.Bool("leader", ok))
			}
			if !ok {
				// не лидер — пропускаем тик
				continue
			}

			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}
