package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// defaultAllowedPorts は上流サービスへの接続で許可するポート。
var defaultAllowedPorts = []int{80, 443}

// UpstreamGuard は上流サービスへの接続先を公開ネットワークに限定する。
// 上流のベースURLを設定で差し替えられるため、内部ネットワークやメタデータIPへの
// リクエストを防ぐ目的で UPSTREAM_SSRF_PROTECTION 有効時に使用する。
type UpstreamGuard struct {
	allowedPorts []int
}

// NewUpstreamGuard はUpstreamGuardを生成する。
// portsが空の場合は80と443のみ許可する。
func NewUpstreamGuard(ports ...int) *UpstreamGuard {
	if len(ports) == 0 {
		ports = defaultAllowedPorts
	}
	return &UpstreamGuard{allowedPorts: ports}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// safeurlはDNS解決後のIPアドレスをDialerで検証するため、
// DNS再バインディングによるプライベートIPへの接続もブロックされる。
func (g *UpstreamGuard) NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(g.allowedPorts...).
		Build()

	return safeurl.Client(config).Client
}

// ValidateBaseURL は上流のベースURLを起動時に静的に検証する。
// IPリテラルの場合はプライベート、ループバック、リンクローカル、未指定アドレスを拒否する。
// ホスト名の解決結果の検証はNewSafeClientのクライアントが接続時に行う。
func (g *UpstreamGuard) ValidateBaseURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("disallowed scheme: %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}

	if addr, err := netip.ParseAddr(host); err == nil && isInternalAddr(addr) {
		return fmt.Errorf("blocked IP address: %s", addr)
	}
	return nil
}

// isInternalAddr は公開ネットワーク以外のアドレスかを判定する。
// 169.254.169.254 などのクラウドメタデータIPはリンクローカルに含まれる。
func isInternalAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsPrivate() ||
		addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		(addr.Is4() && addr.As4()[0] == 0)
}
