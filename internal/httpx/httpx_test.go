package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"hls-downloader/internal/config"
)

func TestTransport_RoutesHostAndKeepsHostHeader(t *testing.T) {
	var gotHost, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	client := &http.Client{Transport: &Transport{
		Routes:  map[string]string{VideoHost: u.Hostname()},
		Headers: map[string]string{"User-Agent": "test-agent"},
	}}

	req, _ := http.NewRequest(http.MethodGet, "http://"+VideoHost+":"+u.Port()+"/seg/0.ts", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.Request.URL.Host != VideoHost+":"+u.Port() {
		t.Fatalf("response request host = %q", resp.Request.URL.Host)
	}

	if gotHost != VideoHost+":"+u.Port() {
		t.Fatalf("Host header = %q", gotHost)
	}
	if gotUA != "test-agent" {
		t.Fatalf("User-Agent = %q", gotUA)
	}
	if req.URL.Host != VideoHost+":"+u.Port() {
		t.Fatalf("caller request was modified: %q", req.URL.Host)
	}
}

func TestNewClient_IntranetSwitch(t *testing.T) {
	cfg := config.Default()
	c := NewClient(cfg)
	tr := c.Transport.(*Transport)
	if len(tr.Routes) != 0 {
		t.Fatalf("routes set with intranet disabled: %v", tr.Routes)
	}

	cfg.Intranet.Enabled = true
	c = NewClient(cfg)
	tr = c.Transport.(*Transport)
	if tr.Routes[VideoHost] != cfg.Intranet.VideoServerIP || tr.Routes[APIHost] != cfg.Intranet.APIServerIP {
		t.Fatalf("unexpected routes: %v", tr.Routes)
	}
	base := tr.Base.(*http.Transport)
	if base.TLSClientConfig == nil || !base.TLSClientConfig.InsecureSkipVerify {
		t.Fatalf("expected unverified TLS in intranet mode")
	}
}

func get(t *testing.T, body string, status int) *http.Response {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL + "/x?token=secret")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestDecodeEnvelope(t *testing.T) {
	var out struct {
		Token string `json:"token"`
	}
	if err := DecodeEnvelope(get(t, `{"code":0,"data":{"token":"abc"}}`, 200), &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Token != "abc" {
		t.Fatalf("token = %q", out.Token)
	}

	if err := DecodeEnvelope(get(t, `{"code":"0","data":null}`, 200), &out); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}

	err := DecodeEnvelope(get(t, `{"code":10001,"message":"bad course"}`, 200), &out)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "10001" {
		t.Fatalf("expected APIError 10001, got %v", err)
	}

	err = DecodeEnvelope(get(t, `nope`, 403), &out)
	if !IsStatus(err, 403) {
		t.Fatalf("expected 403 StatusError, got %v", err)
	}
	if got := err.Error(); got == "" || strings.Contains(got, "secret") {
		t.Fatalf("status error leaks query: %q", got)
	}
}
