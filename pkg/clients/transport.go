package clients

import (
	"net"
	"net/http"
	"time"
)

// DefaultTransport backs every outbound client. A publish run talks to a
// couple of hosts a handful of times, so the idle pool is small. Headers must
// arrive within 30s.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxConnsPerHost:       8,
		MaxIdleConnsPerHost:   2,
		MaxIdleConns:          16,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}
