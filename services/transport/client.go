package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/proxy"

	"github.com/upb/llm-relay/models"
)

// Factory hands out one http.Client per distinct proxy URL so that
// channels sharing a proxy share a connection pool.
type Factory struct {
	responseHeaderTimeout time.Duration
	logger                *zap.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewFactory creates a client factory. responseHeaderTimeout bounds the wait for
// upstream headers; body reads are bounded only by the request context so that
// long streams are not cut off.
func NewFactory(responseHeaderTimeout time.Duration, logger *zap.Logger) *Factory {
	return &Factory{
		responseHeaderTimeout: responseHeaderTimeout,
		logger:                logger,
		clients:               make(map[string]*http.Client),
	}
}

// ClientFor returns the cached client for the channel's proxy, building it on first use
func (f *Factory) ClientFor(ch *models.Channel) (*http.Client, error) {
	key := ch.ProxyURL

	f.mu.Lock()
	defer f.mu.Unlock()

	if c, ok := f.clients[key]; ok {
		return c, nil
	}
	c, err := NewHTTPClient(key, f.responseHeaderTimeout)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", ch.ID, err)
	}
	f.clients[key] = c
	if key != "" {
		f.logger.Info("created proxied upstream client",
			zap.String("channel_id", ch.ID),
			zap.String("proxy_scheme", schemeOf(key)))
	}
	return c, nil
}

// Len returns the number of cached clients
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// NewHTTPClient builds a client that dials directly when proxyURL is empty, or
// through an http, https or socks5 proxy otherwise.
func NewHTTPClient(proxyURL string, responseHeaderTimeout time.Duration) (*http.Client, error) {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, fmt.Errorf("default transport is not *http.Transport")
	}
	cloned := base.Clone()
	cloned.ResponseHeaderTimeout = responseHeaderTimeout

	if proxyURL == "" {
		cloned.Proxy = nil
		return &http.Client{Transport: cloned}, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		cloned.Proxy = http.ProxyURL(u)
	case "socks", "socks5", "socks5h":
		if u.Scheme != "socks5" {
			u.Scheme = "socks5"
		}
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("invalid socks proxy: %w", err)
		}
		cloned.Proxy = nil
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			cloned.DialContext = cd.DialContext
		} else {
			cloned.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}

	return &http.Client{Transport: cloned}, nil
}

func schemeOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme
}
