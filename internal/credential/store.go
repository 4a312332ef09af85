package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/hitoshi/socialpulse/internal/model"
)

// Store は最新の認証情報1件を永続化するストアのインターフェース。
// Saveは既存のレコードを丸ごと上書きする。
type Store interface {
	// Load は永続化済みの認証情報を返す。レコードが存在しない場合はnilを返す。
	Load(ctx context.Context) (*model.Credential, error)
	// Save は認証情報を保存し、既存のレコードを置き換える。
	Save(ctx context.Context, cred model.Credential) error
}

// fileRecord はファイルストアの保存形式。
// expiresAtは絶対時刻のUNIX秒で保持する。
type fileRecord struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// FileStore はJSONファイル1つに認証情報を保存するStore実装。
// 書き込みは一時ファイルへの書き出しとリネームで行い、途中状態のファイルを残さない。
type FileStore struct {
	path string
}

// NewFileStore はFileStoreを生成する。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load はファイルから認証情報を読み込む。
// ファイルが存在しない場合はnil, nilを返す。
func (s *FileStore) Load(ctx context.Context) (*model.Credential, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse credential file: %w", err)
	}
	if rec.AccessToken == "" {
		return nil, nil
	}

	return &model.Credential{
		Token:     rec.AccessToken,
		ExpiresAt: time.Unix(rec.ExpiresAt, 0),
	}, nil
}

// Save は認証情報をファイルに書き込む。
func (s *FileStore) Save(ctx context.Context, cred model.Credential) error {
	data, err := json.MarshalIndent(fileRecord{
		AccessToken: cred.Token,
		ExpiresAt:   cred.ExpiresAt.Unix(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".credential-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // リネーム成功後は存在しないため無視される

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credential file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

// compile-time interface check
var _ Store = (*FileStore)(nil)
