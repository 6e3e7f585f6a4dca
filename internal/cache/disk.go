package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hitoshi/podsync/internal/model"
)

// DiskTier はキャッシュの永続ディスク層。
// フィードidentityごとに1レコードを保持するsqliteテーブルで、
// ペイロードはバージョン付きJSONドキュメントとして格納される。
// バイトレイアウトは互換性契約ではない（schemaVersionで世代管理する）。
type DiskTier struct {
	db *sql.DB
}

// schemaVersion はペイロード形式の世代。非互換変更時にインクリメントし、
// 旧世代のレコードは読み捨てる。
const schemaVersion = 1

// diskPayload はディスクに格納されるシリアライズ形式。
type diskPayload struct {
	Version  int                `json:"version"`
	Metadata model.FeedMetadata `json:"metadata"`
	Episodes []model.Episode    `json:"episodes"`
}

// OpenDiskTier は指定パスにディスク層を開く（なければ作成する）。
// WALモードを有効化し、スキーマを初期化する。
func OpenDiskTier(path string) (*DiskTier, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("キャッシュディレクトリの作成に失敗: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ディスクキャッシュのオープンに失敗: %w", err)
	}

	// WALモードで読み書きの並行性を確保する
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("WALモードの設定に失敗: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		etag TEXT NOT NULL DEFAULT '',
		last_modified TEXT NOT NULL DEFAULT '',
		inserted_at INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cache_entries_inserted_at ON cache_entries(inserted_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマの初期化に失敗: %w", err)
	}

	return &DiskTier{db: db}, nil
}

// Close はディスク層を閉じる。
func (d *DiskTier) Close() error {
	return d.db.Close()
}

// Get はキーに対応するエントリを読み出す。未存在の場合はnilを返す。
// 旧世代ペイロードおよびデコード不能なレコードは読み捨てて削除する。
func (d *DiskTier) Get(key string) (*Entry, error) {
	row := d.db.QueryRow(
		`SELECT payload, etag, last_modified, inserted_at, size_bytes FROM cache_entries WHERE key = ?`,
		key,
	)

	var (
		raw          []byte
		etag         string
		lastModified string
		insertedAt   int64
		sizeBytes    int64
	)
	if err := row.Scan(&raw, &etag, &lastModified, &insertedAt, &sizeBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("キャッシュレコードの読み取りに失敗: %w", err)
	}

	var payload diskPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Version != schemaVersion {
		// 壊れた/旧世代のレコードは次回の再フェッチに任せて削除する
		_ = d.Delete(key)
		return nil, nil
	}

	return &Entry{
		Key:          key,
		Metadata:     payload.Metadata,
		Episodes:     payload.Episodes,
		ETag:         etag,
		LastModified: lastModified,
		InsertedAt:   time.Unix(insertedAt, 0),
		SizeBytes:    sizeBytes,
	}, nil
}

// Put はエントリを書き込む（同一キーは上書き）。
func (d *DiskTier) Put(entry *Entry) error {
	raw, err := json.Marshal(diskPayload{
		Version:  schemaVersion,
		Metadata: entry.Metadata,
		Episodes: entry.Episodes,
	})
	if err != nil {
		return fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}
	entry.SizeBytes = int64(len(raw))

	_, err = d.db.Exec(
		`INSERT INTO cache_entries (key, payload, etag, last_modified, inserted_at, size_bytes)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload,
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			inserted_at = excluded.inserted_at,
			size_bytes = excluded.size_bytes`,
		entry.Key, raw, entry.ETag, entry.LastModified, entry.InsertedAt.Unix(), entry.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("キャッシュレコードの書き込みに失敗: %w", err)
	}
	return nil
}

// Delete はキーに対応するレコードを削除する。冪等。
func (d *DiskTier) Delete(key string) error {
	_, err := d.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("キャッシュレコードの削除に失敗: %w", err)
	}
	return nil
}

// Sweep はcutoffより古いレコードを一括削除し、削除件数を返す。
func (d *DiskTier) Sweep(cutoff time.Time) (int, error) {
	result, err := d.db.Exec(`DELETE FROM cache_entries WHERE inserted_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("期限切れレコードの削除に失敗: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return int(n), nil
}
