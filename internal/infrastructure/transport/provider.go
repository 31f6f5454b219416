// Package transport hands out pooled HTTP clients per upstream origin.
package transport

import (
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Provider keeps one pooled client per scheme and host
type Provider struct {
	mu      sync.Mutex
	clients map[string]*http.Client
	timeout time.Duration
}

func NewProvider(timeout time.Duration) *Provider {
	return &Provider{
		clients: make(map[string]*http.Client),
		timeout: timeout,
	}
}

func (p *Provider) Client(baseURL string) *http.Client {
	origin := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		origin = u.Scheme + "://" + u.Host
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[origin]; ok {
		return client
	}
	client := &http.Client{
		Timeout: p.timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
	p.clients[origin] = client
	return client
}

// CloseIdle releases idle connections held by every client
func (p *Provider) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, client := range p.clients {
		client.CloseIdleConnections()
	}
}
