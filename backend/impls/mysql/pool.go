package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql" // side-effect

	"github.com/zeptools/sqlrelay/backend"
	"github.com/zeptools/sqlrelay/errdefs"
)

func init() {
	backend.RegisterFactory("mysql", func(conf *backend.Conf) (backend.Pool, error) {
		p := &Pool{Conf: conf}
		if err := p.Init(); err != nil {
			return nil, err
		}
		return p, nil
	})
}

type Pool struct {
	Conf *backend.Conf

	// db fields are implementation details, not exported
	db  *sql.DB
	dsn string
}

// Ensure mysql.Pool implements backend.Pool
var _ backend.Pool = (*Pool)(nil)

func (p *Pool) Init() error {
	if p.Conf.DSN != "" {
		p.dsn = p.Conf.DSN
	} else {
		p.dsn = fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=%s&sql_mode=ANSI_QUOTES",
			p.Conf.User,
			p.Conf.PW,
			p.Conf.Host,
			p.Conf.Port,
			p.Conf.DB,
			p.Conf.TZ,
		)
	}
	var err error
	if p.db, err = sql.Open("mysql", p.dsn); err != nil {
		return err
	}
	p.db.SetConnMaxLifetime(time.Minute * 3)
	maxConns := p.Conf.MaxConns
	if maxConns <= 0 {
		maxConns = 10
	}
	p.db.SetMaxOpenConns(maxConns)
	p.db.SetMaxIdleConns(maxConns)
	if err = p.db.Ping(); err != nil {
		return err
	}
	log.Println("[INFO] mysql backend pool initialized")
	return nil
}

func (p *Pool) Acquire(ctx context.Context) (backend.Conn, error) {
	if p.Conf.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.Conf.AcquireTimeout)*time.Millisecond)
		defer cancel()
	}
	sc, err := p.db.Conn(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: mysql pool acquire", errdefs.ErrTimeout)
		}
		return nil, fmt.Errorf("acquire connection failed: %w", err)
	}
	return newConn(sc), nil
}

func (p *Pool) Release(c backend.Conn) {
	mc, ok := c.(*Conn)
	if !ok || mc.sc == nil {
		return
	}
	// Reset session state before the connection goes back to the pool.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = mc.sc.ExecContext(ctx, "SET autocommit=1")
	_ = mc.sc.Close()
	mc.sc = nil
}

func (p *Pool) Discard(c backend.Conn) {
	mc, ok := c.(*Conn)
	if !ok || mc.sc == nil {
		return
	}
	// Returning driver.ErrBadConn from Raw marks the underlying connection
	// bad, so Close destroys it instead of pooling it.
	_ = mc.sc.Raw(func(any) error { return driver.ErrBadConn })
	_ = mc.sc.Close()
	mc.sc = nil
}

func (p *Pool) Close() error {
	if p.db == nil {
		return nil
	}
	log.Println("[INFO] closing mysql backend pool")
	return p.db.Close()
}
