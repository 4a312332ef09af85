// Package credential は上流サービスへのアクセスに使用する認証情報の管理を提供する。
// 有効期限前の自動更新、更新失敗時のリトライ、プロセス再起動をまたいだ永続化を行う。
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/socialpulse/internal/metrics"
	"github.com/hitoshi/socialpulse/internal/model"
)

// Authenticator は静的な認証情報をアクセストークンに交換するインターフェース。
// テスト時にモックに差し替え可能。
type Authenticator interface {
	Authenticate(ctx context.Context, payload model.AuthPayload) (*model.TokenResponse, error)
}

// ManagerConfig はManagerの設定パラメータ。
type ManagerConfig struct {
	// LeadTime は有効期限の何秒前から更新対象とみなすか（デフォルト: 600秒）。
	LeadTime time.Duration
	// RetryInterval は更新失敗時の再試行間隔（デフォルト: 60秒）。
	RetryInterval time.Duration
	// RenewalTimeout は1回の認証リクエストのタイムアウト（デフォルト: 10秒）。
	RenewalTimeout time.Duration
	// MinRenewalDelay はタイマーに設定する最短の待機時間（デフォルト: 1秒）。
	// 発行直後のトークンが既に猶予時間内にある場合の連続更新を防ぐ。
	MinRenewalDelay time.Duration
}

// DefaultManagerConfig はデフォルトのManager設定を返す。
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		LeadTime:        600 * time.Second,
		RetryInterval:   60 * time.Second,
		RenewalTimeout:  10 * time.Second,
		MinRenewalDelay: time.Second,
	}
}

// Manager は上流サービスの認証情報を1件保持し、期限前に自動更新する。
//
// 状態遷移:
//
//	未初期化 → 保持（有効） → 保持（更新成功） → 保持（更新失敗からの回復）
//
// 終端状態は存在せず、バックグラウンドでは常に更新を試行し続ける。
// 呼び出し側がエラーを受け取るのは、その時点で利用可能な認証情報がなく、
// 同期的な更新も失敗した場合のみ。
type Manager struct {
	auth    Authenticator
	store   Store
	payload model.AuthPayload
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	config  ManagerConfig
	now     func() time.Time

	mu   sync.RWMutex
	cred model.Credential
	// lead は保持中の認証情報に適用する更新猶予時間。
	// 有効期間が短い認証情報ではLeadTimeより短くなる。
	lead time.Duration

	shortLifetimeWarned atomic.Bool

	renewGroup singleflight.Group

	// reschedule は次回の更新タイミングをバックグラウンドタスクに通知する。
	// 容量1で、常に最新の値のみを保持する。
	scheduleMu sync.Mutex
	reschedule chan time.Duration

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewManager はManagerの新しいインスタンスを生成する。
// 生成直後は認証情報を保持しておらず、Startで永続化済みの認証情報を読み込む。
func NewManager(
	auth Authenticator,
	store Store,
	payload model.AuthPayload,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	config ManagerConfig,
) *Manager {
	defaults := DefaultManagerConfig()
	if config.LeadTime < 0 {
		config.LeadTime = defaults.LeadTime
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.RenewalTimeout <= 0 {
		config.RenewalTimeout = defaults.RenewalTimeout
	}
	if config.MinRenewalDelay <= 0 {
		config.MinRenewalDelay = defaults.MinRenewalDelay
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Manager{
		auth:       auth,
		store:      store,
		payload:    payload,
		logger:     logger,
		metrics:    collector,
		config:     config,
		now:        time.Now,
		lead:       config.LeadTime,
		reschedule: make(chan time.Duration, 1),
	}
}

// Start は永続化済みの認証情報を読み込み、バックグラウンドの更新タスクを起動する。
// 永続化済みの認証情報が猶予時間を超えて有効な場合は、ネットワーク呼び出しなしで採用する。
// それ以外の場合は認証情報なしで起動し、最初のValidCredential呼び出しで同期的に更新する。
// ctxがキャンセルされるかStopが呼ばれるとバックグラウンドタスクは停止する。
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		return errors.New("credential manager already started")
	}

	m.loadPersisted(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(runCtx)

	m.logger.Info("認証情報マネージャーを開始しました",
		slog.Duration("lead_time", m.config.LeadTime),
		slog.Duration("retry_interval", m.config.RetryInterval),
	)
	return nil
}

// Stop はバックグラウンドの更新タスクを停止し、終了を待つ。
// 複数回呼び出しても安全。
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	cancel, done := m.cancel, m.done
	m.lifecycleMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Current は現在保持している認証情報を返す。有効性は検証しない。
func (m *Manager) Current() model.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

// held は保持中の認証情報とそれに適用する更新猶予時間を返す。
func (m *Manager) held() (model.Credential, time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred, m.lead
}

// ValidCredential は利用可能な認証情報を返す。
// 保持していない場合、または更新猶予時間内に入っている場合は、返す前に同期的に更新する。
// 更新に失敗した場合は、上流側の有効期限を過ぎていない既存の認証情報にフォールバックする。
// フォールバック先もない場合はAUTHENTICATION_FAILEDのAPIErrorを返す。
func (m *Manager) ValidCredential(ctx context.Context) (model.Credential, error) {
	current, lead := m.held()
	if current.UsableAt(m.now(), lead) {
		return current, nil
	}

	renewed, err := m.renew(ctx)
	if err == nil {
		return renewed, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.Credential{}, ctxErr
	}

	fallback := m.Current()
	if !fallback.ExpiredAt(m.now()) {
		m.logger.Warn("認証情報の更新に失敗したため既存の認証情報を使用します",
			slog.String("error", err.Error()),
			slog.Time("expires_at", fallback.ExpiresAt),
		)
		return fallback, nil
	}

	return model.Credential{}, model.NewAuthenticationError(err)
}

// renew は認証情報を更新する。
// 同時に複数の更新要求があった場合は1回の認証リクエストにまとめる。
// 呼び出し側のctxがキャンセルされても、実行中の更新自体は継続する。
func (m *Manager) renew(ctx context.Context) (model.Credential, error) {
	ch := m.renewGroup.DoChan("renew", func() (interface{}, error) {
		return m.doRenew()
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Credential{}, res.Err
		}
		return res.Val.(model.Credential), nil
	case <-ctx.Done():
		return model.Credential{}, ctx.Err()
	}
}

// doRenew は認証リクエストを1回実行し、成功時は認証情報を置き換えて永続化する。
// 成功時は次回の更新を有効期限の猶予時間前に、失敗時は再試行間隔後にスケジュールする。
func (m *Manager) doRenew() (model.Credential, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.RenewalTimeout)
	defer cancel()

	resp, err := m.auth.Authenticate(ctx, m.payload)
	if err == nil {
		err = validateTokenResponse(resp)
	}
	if err != nil {
		m.metrics.RecordCredentialRenewal(false)
		m.logger.Error("認証情報の更新に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", m.config.RetryInterval),
		)
		m.scheduleIn(m.config.RetryInterval)
		return model.Credential{}, err
	}

	// 上流は相対的な有効期間を返すため、絶対時刻への変換はここでのみ行う
	issuedAt := m.now()
	lifetime := time.Duration(resp.ExpiresIn) * time.Second
	cred := model.Credential{
		Token:     resp.AccessToken,
		ExpiresAt: issuedAt.Add(lifetime),
	}
	lead := m.leadFor(lifetime)

	m.mu.Lock()
	m.cred = cred
	m.lead = lead
	m.mu.Unlock()

	m.metrics.RecordCredentialRenewal(true)
	m.logger.Info("認証情報を更新しました",
		slog.Time("expires_at", cred.ExpiresAt),
	)

	if err := m.store.Save(ctx, cred); err != nil {
		m.logger.Warn("認証情報の永続化に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	m.scheduleFor(cred, lead)
	return cred, nil
}

// leadFor は有効期間に対して適用する更新猶予時間を返す。
// 有効期間がLeadTime以下の場合は有効期間の半分に短縮する。
func (m *Manager) leadFor(lifetime time.Duration) time.Duration {
	if lifetime > m.config.LeadTime {
		return m.config.LeadTime
	}
	if m.shortLifetimeWarned.CompareAndSwap(false, true) {
		m.logger.Warn("認証情報の有効期間が更新猶予時間以下のため猶予時間を短縮します",
			slog.Duration("lifetime", lifetime),
			slog.Duration("lead_time", m.config.LeadTime),
			slog.Duration("effective_lead_time", lifetime/2),
		)
	}
	return lifetime / 2
}

// validateTokenResponse は認証レスポンスが利用可能な内容かを検証する。
func validateTokenResponse(resp *model.TokenResponse) error {
	if resp == nil {
		return errors.New("empty token response")
	}
	if resp.AccessToken == "" {
		return errors.New("token response has no access_token")
	}
	if resp.ExpiresIn <= 0 {
		return fmt.Errorf("token response has invalid expires_in: %d", resp.ExpiresIn)
	}
	return nil
}

// loadPersisted は永続化済みの認証情報を読み込み、猶予時間を超えて有効な場合のみ採用する。
// 読み込みに失敗しても起動は継続する。
func (m *Manager) loadPersisted(ctx context.Context) {
	stored, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("永続化済みの認証情報の読み込みに失敗しました",
			slog.String("error", err.Error()),
		)
		return
	}
	if stored == nil {
		m.logger.Info("永続化済みの認証情報はありません")
		return
	}
	if !stored.UsableAt(m.now(), m.config.LeadTime) {
		m.logger.Info("永続化済みの認証情報は更新猶予時間内のため使用しません",
			slog.Time("expires_at", stored.ExpiresAt),
		)
		return
	}

	m.mu.Lock()
	m.cred = *stored
	m.lead = m.config.LeadTime
	m.mu.Unlock()

	m.logger.Info("永続化済みの認証情報を読み込みました",
		slog.Time("expires_at", stored.ExpiresAt),
	)
	m.scheduleFor(*stored, m.config.LeadTime)
}

// scheduleFor は認証情報の更新予定時刻に合わせてタイマーを設定する。
func (m *Manager) scheduleFor(cred model.Credential, lead time.Duration) {
	m.scheduleIn(cred.RenewalDue(lead).Sub(m.now()))
}

// scheduleIn は指定時間後に更新するようバックグラウンドタスクに通知する。
// 未処理の通知がある場合は新しい値で置き換える。
func (m *Manager) scheduleIn(d time.Duration) {
	if d < m.config.MinRenewalDelay {
		d = m.config.MinRenewalDelay
	}

	m.scheduleMu.Lock()
	defer m.scheduleMu.Unlock()

	select {
	case <-m.reschedule:
	default:
	}
	m.reschedule <- d
}

// run はバックグラウンドの更新タスク本体。
// タイマーの発火時には呼び出し状況に関係なく更新を試行する。
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			m.logger.Info("認証情報マネージャーを停止しました")
			return

		case d := <-m.reschedule:
			if timer == nil {
				timer = time.NewTimer(d)
			} else {
				timer.Reset(d)
			}
			fire = timer.C
			m.logger.Debug("認証情報の次回更新をスケジュールしました",
				slog.Duration("in", d),
			)

		case <-fire:
			fire = nil
			// 失敗時の再スケジュールはdoRenewが行う
			if _, err := m.renew(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("バックグラウンドでの認証情報の更新に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
