package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX 由 *pgxpool.Pool 和 pgx.Tx 共同实现，仓储既能走连接池也能绑定事务
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool 连接池需要额外支持开启事务
type Pool interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}
