package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/attnsync/internal/model"
)

// PostgresSourceRepo はPostgreSQLを使用した取得元リポジトリ。
type PostgresSourceRepo struct {
	db *sql.DB
}

// NewPostgresSourceRepo はPostgresSourceRepoを生成する。
func NewPostgresSourceRepo(db *sql.DB) *PostgresSourceRepo {
	return &PostgresSourceRepo{db: db}
}

const sourceColumns = `id, name, url, kind, fetch_interval_minutes, active,
	        last_fetched_at, consecutive_error_count, last_error, skip_cycles,
	        success_count, error_count, created_at, updated_at`

// FindByID は指定IDの取得元を取得する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByID(ctx context.Context, id string) (*model.Source, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = $1`,
		id,
	)

	source, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("取得元の取得に失敗しました: %w", err)
	}
	return source, nil
}

// FindByURL はURLで取得元を検索する。見つからない場合はnilを返す。
func (r *PostgresSourceRepo) FindByURL(ctx context.Context, url string) (*model.Source, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE url = $1`,
		url,
	)

	source, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("URLによる取得元の検索に失敗しました: %w", err)
	}
	return source, nil
}

// Create は取得元を作成する。
func (r *PostgresSourceRepo) Create(ctx context.Context, source *model.Source) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sources (id, name, url, kind, fetch_interval_minutes, active,
		                      last_fetched_at, consecutive_error_count, last_error, skip_cycles,
		                      success_count, error_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		source.ID, source.Name, source.URL, source.Kind,
		source.FetchIntervalMinutes, source.Active,
		source.LastFetchedAt, source.ConsecutiveErrorCount,
		nullString(source.LastError), source.SkipCycles,
		source.SuccessCount, source.ErrorCount,
		source.CreatedAt, source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("取得元の作成に失敗しました: %w", err)
	}
	return nil
}

// ListActive はアクティブな取得元の一覧を返す。
func (r *PostgresSourceRepo) ListActive(ctx context.Context) ([]*model.Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE active = TRUE ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブな取得元の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectSources(rows)
}

// ListDueForFetch はフェッチ対象の取得元を取得する。
// active = TRUE かつ skip_cycles = 0 かつインターバル経過済みの取得元を
// FOR UPDATE SKIP LOCKEDで排他的に取得する。
func (r *PostgresSourceRepo) ListDueForFetch(ctx context.Context) ([]*model.Source, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sourceColumns+`
		 FROM sources
		 WHERE active = TRUE
		   AND skip_cycles = 0
		   AND (last_fetched_at IS NULL
		        OR last_fetched_at + make_interval(mins => fetch_interval_minutes) <= now())
		 ORDER BY last_fetched_at ASC NULLS FIRST
		 FOR UPDATE SKIP LOCKED`,
	)
	if err != nil {
		return nil, fmt.Errorf("フェッチ対象の取得元の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectSources(rows)
}

// DecrementSkipCycles はバックオフ中の全取得元のskip_cyclesを1減らす。
func (r *PostgresSourceRepo) DecrementSkipCycles(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET skip_cycles = skip_cycles - 1, updated_at = now()
		 WHERE active = TRUE AND skip_cycles > 0`,
	)
	if err != nil {
		return fmt.Errorf("skip_cyclesの減算に失敗しました: %w", err)
	}
	return nil
}

// UpdateFetchState は取得元のフェッチ状態を更新する。
func (r *PostgresSourceRepo) UpdateFetchState(ctx context.Context, source *model.Source) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sources SET
		    active = $2,
		    last_fetched_at = $3,
		    consecutive_error_count = $4,
		    last_error = $5,
		    skip_cycles = $6,
		    success_count = $7,
		    error_count = $8,
		    updated_at = now()
		 WHERE id = $1`,
		source.ID,
		source.Active,
		source.LastFetchedAt,
		source.ConsecutiveErrorCount,
		nullString(source.LastError),
		source.SkipCycles,
		source.SuccessCount,
		source.ErrorCount,
	)
	if err != nil {
		return fmt.Errorf("フェッチ状態の更新に失敗しました: %w", err)
	}
	return nil
}

// rowScanner はsql.Rowとsql.Rowsの共通スキャンインターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSource は1行をSourceにスキャンする。
func scanSource(row rowScanner) (*model.Source, error) {
	source := &model.Source{}
	var lastFetchedAt sql.NullTime
	var lastError sql.NullString

	if err := row.Scan(
		&source.ID, &source.Name, &source.URL, &source.Kind,
		&source.FetchIntervalMinutes, &source.Active,
		&lastFetchedAt, &source.ConsecutiveErrorCount,
		&lastError, &source.SkipCycles,
		&source.SuccessCount, &source.ErrorCount,
		&source.CreatedAt, &source.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if lastFetchedAt.Valid {
		t := lastFetchedAt.Time
		source.LastFetchedAt = &t
	}
	source.LastError = nullStringValue(lastError)

	return source, nil
}

// collectSources は結果セットをSourceのスライスに変換する。
func collectSources(rows *sql.Rows) ([]*model.Source, error) {
	var sources []*model.Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("取得元の読み取りに失敗しました: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("取得元の走査に失敗しました: %w", err)
	}
	return sources, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// compile-time interface check
var _ SourceRepository = (*PostgresSourceRepo)(nil)
