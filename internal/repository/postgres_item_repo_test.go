package repository

import (
	"math"
	"testing"
	"time"

	"github.com/hitoshi/attnsync/internal/model"
)

// PostgresItemRepoはItemRepositoryインターフェースを満たすことを検証
func TestPostgresItemRepo_ImplementsInterface(t *testing.T) {
	var _ ItemRepository = (*PostgresItemRepo)(nil)
}

// NewPostgresItemRepoが正しく初期化されることを検証
func TestNewPostgresItemRepo_Initializes(t *testing.T) {
	repo := NewPostgresItemRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// CanonicalItemモデルのフィールドが正しく構築されることを検証
func TestPostgresItemRepo_ItemModel_Fields(t *testing.T) {
	now := time.Now()
	item := &model.CanonicalItem{
		ID:               "item-id-1",
		SourceID:         "source-id-1",
		Title:            "テスト記事",
		PublishedAt:      now,
		FetchedAt:        now,
		ExactFingerprint: "abc123",
		Signature:        []uint64{1, 2, 3},
		WordCount:        500,
		CreatedAt:        now,
	}

	if item.IsDuplicate() {
		t.Error("duplicate_ofが空の記事はIsDuplicate=falseになるべき")
	}
	if item.DuplicateOf != "" {
		t.Errorf("duplicate_of should be empty by default, got %q", item.DuplicateOf)
	}
}

// シグネチャのBIGINT[]変換がビット保存のまま往復することを検証
func TestSignatureConversion_RoundTrip(t *testing.T) {
	original := []uint64{0, 1, math.MaxUint64, math.MaxInt64 + 1, 1234567890123456789}

	converted := int64ToSignature(signatureToInt64(original))

	if len(converted) != len(original) {
		t.Fatalf("変換後の長さが不正: got %d, want %d", len(converted), len(original))
	}
	for i := range original {
		if converted[i] != original[i] {
			t.Errorf("converted[%d] = %d, want %d", i, converted[i], original[i])
		}
	}
}
