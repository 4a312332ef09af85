package credential

import (
	"context"

	"golang.org/x/oauth2"
)

// tokenSource はManagerをoauth2.TokenSourceとして公開するアダプタ。
// oauth2.Transportに渡すことで、上流へのリクエストに常に有効なベアラートークンを付与する。
type tokenSource struct {
	ctx     context.Context
	manager *Manager
}

// TokenSource はManagerが保持する認証情報を返すoauth2.TokenSourceを生成する。
// キャッシュはManager側で行うため、oauth2.ReuseTokenSourceで包む必要はない。
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, manager: m}
}

// Token はoauth2.TokenSourceを実装する。
func (s *tokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.manager.ValidCredential(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt,
	}, nil
}
