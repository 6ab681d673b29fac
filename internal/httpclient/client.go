// Package httpclient holds the pooled HTTP client and retry policy shared by
// the inference backend and the model downloader.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// DefaultTimeout bounds non-streaming requests.
const DefaultTimeout = 120 * time.Second

// Shared returns an HTTP client with connection pooling. A zero timeout
// disables the overall deadline, which long downloads and token streams need;
// header and dial timeouts still apply.
func Shared(timeout time.Duration) *http.Client {
	headerTimeout := timeout
	if headerTimeout <= 0 {
		headerTimeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
