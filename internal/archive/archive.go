package archive

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS telemetry_sessions (
	id           BIGSERIAL PRIMARY KEY,
	session_id   TEXT        NOT NULL,
	summary      JSONB       NOT NULL,
	finalized_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Archive 终局分析结果的Postgres归档。
// 只归档结果，不承担会话存储：会话仍然只活在进程内存里。
// 所有失败对采集主流程都是非致命的。
type Archive struct {
	pool *pgxpool.Pool
}

// Connect 建立连接池并确保归档表存在
func Connect(ctx context.Context, dsn string) (*Archive, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse archive dsn: %w", err)
	}

	// 连接池参数
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create archive pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure archive schema: %w", err)
	}

	log.Println("✅ 结果归档连接池创建成功")
	return &Archive{pool: pool}, nil
}

// SaveFinalResult 插入一条终局分析结果
func (a *Archive) SaveFinalResult(ctx context.Context, sessionID string, summary []byte) error {
	_, err := a.pool.Exec(ctx,
		`INSERT INTO telemetry_sessions (session_id, summary) VALUES ($1, $2)`,
		sessionID, summary)
	if err != nil {
		return fmt.Errorf("failed to archive final result: %w", err)
	}
	return nil
}

// Close 关闭连接池
func (a *Archive) Close() {
	if a.pool != nil {
		a.pool.Close()
		log.Println("✅ 结果归档连接池已关闭")
	}
}
