package pgsql

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zeptools/sqlrelay/backend"
	"github.com/zeptools/sqlrelay/errdefs"
)

func init() {
	backend.RegisterFactory("pgsql", func(conf *backend.Conf) (backend.Pool, error) {
		p := &Pool{Conf: conf}
		if err := p.Init(); err != nil {
			return nil, err
		}
		return p, nil
	})
}

type Pool struct {
	Conf *backend.Conf

	pool *pgxpool.Pool
	dsn  string
}

// Ensure pgsql.Pool implements backend.Pool
var _ backend.Pool = (*Pool)(nil)

func (p *Pool) Init() error {
	if p.Conf.DSN != "" {
		p.dsn = p.Conf.DSN
	} else {
		// NOTE: sslmode=disable is often used for local dev, adjust as needed.
		p.dsn = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=%s",
			p.Conf.Host,
			p.Conf.Port,
			p.Conf.User,
			p.Conf.PW,
			p.Conf.DB,
			p.Conf.TZ,
		)
	}
	config, err := pgxpool.ParseConfig(p.dsn)
	if err != nil {
		return fmt.Errorf("failed to parse pgx config: %w", err)
	}
	if p.Conf.MaxConns > 0 {
		config.MaxConns = int32(p.Conf.MaxConns)
	}
	config.MaxConnLifetime = 3 * time.Minute
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.pool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to connect pgx Pool: %w", err)
	}
	if err = p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	log.Print("[INFO] pgsql backend pool initialized")
	return nil
}

func (p *Pool) Acquire(ctx context.Context) (backend.Conn, error) {
	if p.Conf.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.Conf.AcquireTimeout)*time.Millisecond)
		defer cancel()
	}
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: pgsql pool acquire", errdefs.ErrTimeout)
		}
		return nil, fmt.Errorf("acquire connection failed: %w", err)
	}
	return newConn(pc), nil
}

func (p *Pool) Release(c backend.Conn) {
	pc, ok := c.(*Conn)
	if !ok || pc.pc == nil {
		return
	}
	// Never hand a connection back mid-transaction.
	if pc.tx != nil {
		_ = pc.Rollback(context.Background())
		_ = pc.SetAutoCommit(context.Background(), true)
	}
	pc.pc.Release()
	pc.pc = nil
}

func (p *Pool) Discard(c backend.Conn) {
	pc, ok := c.(*Conn)
	if !ok || pc.pc == nil {
		return
	}
	// Hijack detaches the connection from the pool so closing it does not
	// return a connection in an unknown state to other borrowers.
	raw := pc.pc.Hijack()
	pc.pc = nil
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := raw.Close(ctx); err != nil {
		log.Printf("[WARN] pgsql discard close failed: %v", err)
	}
}

func (p *Pool) Close() error {
	if p.pool == nil {
		return nil
	}
	log.Println("[INFO] closing pgsql backend pool")
	p.pool.Close()
	return nil
}
