package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/attnsync/internal/model"
)

// PostgresItemRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresItemRepo struct {
	db *sql.DB
}

// NewPostgresItemRepo はPostgresItemRepoを生成する。
func NewPostgresItemRepo(db *sql.DB) *PostgresItemRepo {
	return &PostgresItemRepo{db: db}
}

const itemColumns = `id, source_id, title, body, summary, link, author,
	        published_at, is_date_estimated, fetched_at, exact_fingerprint,
	        signature, duplicate_of, word_count, created_at`

// FindByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByID(ctx context.Context, id string) (*model.CanonicalItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`,
		id,
	)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return item, nil
}

// FindByExactFingerprint は完全一致フィンガープリントで記事を検索する。
// 同一フィンガープリントが複数ある場合は最先着（created_at最小）を返す。
// 見つからない場合はnilを返す。
func (r *PostgresItemRepo) FindByExactFingerprint(ctx context.Context, fingerprint string) (*model.CanonicalItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+`
		 FROM items WHERE exact_fingerprint = $1
		 ORDER BY created_at ASC LIMIT 1`,
		fingerprint,
	)

	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィンガープリントによる記事の検索に失敗しました: %w", err)
	}
	return item, nil
}

// Create は新規記事を作成する。
func (r *PostgresItemRepo) Create(ctx context.Context, item *model.CanonicalItem) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO items (id, source_id, title, body, summary, link, author,
		                    published_at, is_date_estimated, fetched_at, exact_fingerprint,
		                    signature, duplicate_of, word_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		item.ID, item.SourceID, item.Title,
		nullString(item.Body), nullString(item.Summary),
		nullString(item.Link), nullString(item.Author),
		item.PublishedAt, item.IsDateEstimated, item.FetchedAt,
		item.ExactFingerprint, pq.Array(signatureToInt64(item.Signature)),
		nullString(item.DuplicateOf), item.WordCount, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("記事の作成に失敗しました: %w", err)
	}
	return nil
}

// ListWindow は指定時刻以降に公開された全記事を返す。
// 起動時の重複判定インデックス再構築に使用する。
func (r *PostgresItemRepo) ListWindow(ctx context.Context, since time.Time) ([]*model.CanonicalItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+`
		 FROM items WHERE published_at >= $1
		 ORDER BY published_at ASC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("ウィンドウ内の記事の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// UpdateDuplicateOf は記事のduplicate_ofを事後設定する。
func (r *PostgresItemRepo) UpdateDuplicateOf(ctx context.Context, itemID, canonicalID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE items SET duplicate_of = $2 WHERE id = $1`,
		itemID, nullString(canonicalID),
	)
	if err != nil {
		return fmt.Errorf("duplicate_ofの更新に失敗しました: %w", err)
	}
	return nil
}

// RepointDuplicates は旧正準記事を指す全記事のduplicate_ofを
// 新正準記事へ一括で付け替える。
func (r *PostgresItemRepo) RepointDuplicates(ctx context.Context, oldCanonicalID, newCanonicalID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE items SET duplicate_of = $2 WHERE duplicate_of = $1`,
		oldCanonicalID, newCanonicalID,
	)
	if err != nil {
		return fmt.Errorf("duplicate_ofの一括付け替えに失敗しました: %w", err)
	}
	return nil
}

// ListDigestCandidates は指定時刻以降に公開された正準記事（非重複）を
// published_at降順で返す。
func (r *PostgresItemRepo) ListDigestCandidates(ctx context.Context, since time.Time, limit int) ([]*model.CanonicalItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+itemColumns+`
		 FROM items
		 WHERE duplicate_of IS NULL AND published_at >= $1
		 ORDER BY published_at DESC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ダイジェスト候補の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	return collectItems(rows)
}

// DeleteOlderThan は指定時刻より前に公開された記事を削除し、削除件数を返す。
func (r *PostgresItemRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM items WHERE published_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古い記事の削除に失敗しました: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return deleted, nil
}

// scanItem は1行をCanonicalItemにスキャンする。
func scanItem(row rowScanner) (*model.CanonicalItem, error) {
	item := &model.CanonicalItem{}
	var body, summary, link, author, duplicateOf sql.NullString
	var signature pq.Int64Array

	if err := row.Scan(
		&item.ID, &item.SourceID, &item.Title,
		&body, &summary, &link, &author,
		&item.PublishedAt, &item.IsDateEstimated, &item.FetchedAt,
		&item.ExactFingerprint, &signature,
		&duplicateOf, &item.WordCount, &item.CreatedAt,
	); err != nil {
		return nil, err
	}

	item.Body = nullStringValue(body)
	item.Summary = nullStringValue(summary)
	item.Link = nullStringValue(link)
	item.Author = nullStringValue(author)
	item.DuplicateOf = nullStringValue(duplicateOf)
	item.Signature = int64ToSignature(signature)

	return item, nil
}

// collectItems は結果セットをCanonicalItemのスライスに変換する。
func collectItems(rows *sql.Rows) ([]*model.CanonicalItem, error) {
	var items []*model.CanonicalItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("記事の読み取りに失敗しました: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事の走査に失敗しました: %w", err)
	}
	return items, nil
}

// signatureToInt64 はシグネチャをBIGINT[]格納用にビット保存のまま変換する。
func signatureToInt64(sig []uint64) []int64 {
	out := make([]int64, len(sig))
	for i, v := range sig {
		out[i] = int64(v)
	}
	return out
}

// int64ToSignature はBIGINT[]から読み出した値をシグネチャに戻す。
func int64ToSignature(arr []int64) []uint64 {
	out := make([]uint64, len(arr))
	for i, v := range arr {
		out[i] = uint64(v)
	}
	return out
}

// compile-time interface check
var _ ItemRepository = (*PostgresItemRepo)(nil)
