package httpx

import (
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"hls-downloader/internal/config"
)

// Backend hostnames that intranet mode reroutes.
const (
	VideoHost = "cvideo.yanhekt.cn"
	APIHost   = "cbiz.yanhekt.cn"
)

// Transport applies static headers and, in intranet mode, swaps the two backend
// hostnames for their campus addresses while keeping the original Host header.
type Transport struct {
	Base http.RoundTripper

	// Routes maps hostname to replacement address. Empty disables rerouting.
	Routes map[string]string

	// Headers are set on every request that does not already carry them.
	Headers map[string]string
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	for k, v := range t.Headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	if ip, ok := t.Routes[r.URL.Hostname()]; ok && ip != "" {
		if r.Host == "" {
			r.Host = r.URL.Host
		}
		if port := r.URL.Port(); port != "" {
			r.URL.Host = ip + ":" + port
		} else {
			r.URL.Host = ip
		}
	}
	resp, err := base.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	// Report the caller's URL so relative references resolve against the
	// hostname, not the routed address.
	resp.Request = req
	return resp, nil
}

// NewClient builds the shared HTTP client. It carries no overall timeout:
// callers bound each request through its context.
func NewClient(cfg config.Config) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = cfg.Workers
	base.TLSHandshakeTimeout = 10 * time.Second

	tr := &Transport{
		Base:    base,
		Headers: cfg.Headers,
	}
	if cfg.Intranet.Enabled {
		tr.Routes = map[string]string{
			VideoHost: cfg.Intranet.VideoServerIP,
			APIHost:   cfg.Intranet.APIServerIP,
		}
		if cfg.Intranet.IgnoreTLSErrors {
			// The campus addresses serve certificates for the public hostnames.
			base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
	}
	return &http.Client{Transport: tr}
}
