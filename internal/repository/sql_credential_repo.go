// Package repository は認証情報レコードのSQLデータベースへの永続化を提供する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/socialpulse/internal/database"
	"github.com/hitoshi/socialpulse/internal/model"
)

// credentialRowID は認証情報を保持する唯一の行のID。
const credentialRowID = 1

// SQLCredentialRepo はSQLデータベースを使用した認証情報リポジトリ。
// PostgreSQLとSQLiteの両方で同じクエリを使用し、プレースホルダのみ方言に合わせて変換する。
type SQLCredentialRepo struct {
	db      *sql.DB
	dialect database.Dialect
}

// NewSQLCredentialRepo はSQLCredentialRepoを生成する。
func NewSQLCredentialRepo(db *sql.DB, dialect database.Dialect) *SQLCredentialRepo {
	return &SQLCredentialRepo{db: db, dialect: dialect}
}

// Load は保存済みの認証情報を取得する。見つからない場合はnilを返す。
func (r *SQLCredentialRepo) Load(ctx context.Context) (*model.Credential, error) {
	var token string
	var expiresAt int64
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT access_token, expires_at FROM credentials WHERE id = ?`),
		credentialRowID,
	).Scan(&token, &expiresAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	return &model.Credential{
		Token:     token,
		ExpiresAt: time.Unix(expiresAt, 0),
	}, nil
}

// Save は認証情報をUPSERTで保存する。
func (r *SQLCredentialRepo) Save(ctx context.Context, cred model.Credential) error {
	_, err := r.db.ExecContext(ctx,
		r.rebind(`INSERT INTO credentials (id, access_token, expires_at, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (id) DO UPDATE SET
		   access_token = excluded.access_token,
		   expires_at = excluded.expires_at,
		   updated_at = CURRENT_TIMESTAMP`),
		credentialRowID, cred.Token, cred.ExpiresAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// rebind は ? プレースホルダを方言に合わせて変換する。
// PostgreSQLでは $1, $2, ... に置き換える。
func (r *SQLCredentialRepo) rebind(query string) string {
	if r.dialect != database.DialectPostgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}
