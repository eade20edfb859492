// Package security は外部URLの検証と、外部由来テキストの無害化を提供する。
package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// carrierGradeNAT はIsPrivateに含まれない共有アドレス空間 (RFC 6598)。
var carrierGradeNAT = netip.MustParsePrefix("100.64.0.0/10")

// blockedHostSuffixes は内部向けとみなすホスト名の接尾辞。
var blockedHostSuffixes = []string{".localhost", ".local", ".internal"}

// URLGuard は外部URLへのアクセスを公開ネットワーク上のホストに限定する。
//
// Validate はDNS解決を伴わない静的な検証を行い、Client が返すHTTPクライアントは
// safeurl により接続時に解決後のIPアドレスを検証する。
type URLGuard struct {
	schemes []string
	ports   []int
}

// NewURLGuard は新しいURLGuardを生成する。schemesを省略した場合はhttpsのみ許可する。
func NewURLGuard(schemes ...string) *URLGuard {
	if len(schemes) == 0 {
		schemes = []string{"https"}
	}
	ports := make([]int, 0, 2)
	for _, s := range schemes {
		switch strings.ToLower(s) {
		case "http":
			ports = append(ports, 80)
		case "https":
			ports = append(ports, 443)
		}
	}
	return &URLGuard{schemes: schemes, ports: ports}
}

// Client は内部ネットワークへの接続を拒否するHTTPクライアントを返す。
func (g *URLGuard) Client(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(g.schemes...).
		SetAllowedPorts(g.ports...).
		Build()
	return safeurl.Client(cfg).Client
}

// Validate はURLのスキームとホストを検証する。
func (g *URLGuard) Validate(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !slices.ContainsFunc(g.schemes, func(s string) bool { return strings.EqualFold(s, u.Scheme) }) {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("credentials in URL are not allowed")
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("URL has no host: %s", rawURL)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if !isPublicAddr(addr) {
			return fmt.Errorf("address %s is not public", addr)
		}
		return nil
	}
	if host == "localhost" || slices.ContainsFunc(blockedHostSuffixes, func(s string) bool { return strings.HasSuffix(host, s) }) {
		return fmt.Errorf("host %s is not public", host)
	}
	if !strings.Contains(host, ".") {
		return fmt.Errorf("host %s is not a fully qualified name", host)
	}
	return nil
}

func isPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast():
		return false
	}
	if addr.Is4() && (carrierGradeNAT.Contains(addr) || addr.As4()[0] == 0) {
		return false
	}
	return true
}
