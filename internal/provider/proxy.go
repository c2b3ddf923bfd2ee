package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// NewTransport строит HTTP-транспорт для аккаунта.
// socks5:// проксируется через golang.org/x/net/proxy, http(s):// — через CONNECT
// стандартного транспорта, пустая строка — прямое подключение.
func NewTransport(proxyURL string) (*http.Transport, error) {
	base := &http.Transport{
		Proxy:               nil,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if proxyURL == "" {
		base.DialContext = (&net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}).DialContext
		return base, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("некорректный адрес прокси: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		base.Proxy = http.ProxyURL(u)
		return base, nil
	case "socks5", "socks5h":
		forward := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		dialer, err := proxy.FromURL(u, forward)
		if err != nil {
			return nil, fmt.Errorf("socks5 прокси: %w", err)
		}
		base.DialContext = contextDialer(dialer)
		return base, nil
	default:
		return nil, fmt.Errorf("неподдерживаемая схема прокси %q", u.Scheme)
	}
}

func contextDialer(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}
