package auth

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Fixed markers appended to every signed URL.
const (
	ClientVersion = "v1"
	Platform      = "yhkt_user"
)

// Signature is a short-lived request signature. The backend accepts it for
// roughly ten seconds after Timestamp.
type Signature struct {
	Timestamp string
	Value     string
}

// Sign derives the signature for t. It performs no I/O.
func Sign(secret string, t time.Time) Signature {
	ts := strconv.FormatInt(t.Unix(), 10)
	return Signature{Timestamp: ts, Value: md5hex(secret + "_" + ClientVersion + "_" + ts)}
}

// EncryptPath inserts the path hash immediately before the last path component:
//
//	https://h/a/b/index.m3u8 -> https://h/a/b/<hash>/index.m3u8
//
// It must be applied once, to the root playlist URL only.
func EncryptPath(rawURL, secret string) string {
	base, query, hasQuery := strings.Cut(rawURL, "?")
	i := strings.LastIndexByte(base, '/')
	if i < 0 {
		return rawURL
	}
	out := base[:i+1] + md5hex(secret+"_100") + base[i:]
	if hasQuery {
		out += "?" + query
	}
	return out
}

// SignURL appends the token, signature and protocol markers to rawURL.
func SignURL(rawURL, token string, sig Signature) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.Grow(len(rawURL) + 160)
	b.WriteString(rawURL)
	b.WriteString(sep)
	b.WriteString("Xvideo_Token=")
	b.WriteString(url.QueryEscape(token))
	b.WriteString("&Xclient_Timestamp=")
	b.WriteString(sig.Timestamp)
	b.WriteString("&Xclient_Signature=")
	b.WriteString(sig.Value)
	b.WriteString("&Xclient_Version=" + ClientVersion)
	b.WriteString("&Platform=" + Platform)
	return b.String()
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
