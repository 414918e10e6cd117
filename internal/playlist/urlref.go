package playlist

import (
	"net/url"
	"strings"
)

// Base is what relative references in a playlist are resolved against.
type Base struct {
	// Origin is scheme://host of the final (post-redirect) response.
	Origin string
	// Dir is the request URL up to and including its last '/'.
	Dir string
}

// BaseOf builds the Base for a playlist requested as requestURL (unsigned) and
// served from final.
func BaseOf(requestURL string, final *url.URL) Base {
	b := Base{Dir: DirOf(requestURL)}
	if final != nil && final.Host != "" {
		b.Origin = final.Scheme + "://" + final.Host
	} else if u, err := url.Parse(requestURL); err == nil {
		b.Origin = u.Scheme + "://" + u.Host
	}
	return b
}

// DirOf returns rawURL without its query and last path component.
func DirOf(rawURL string) string {
	base, _, _ := strings.Cut(rawURL, "?")
	return base[:strings.LastIndexByte(base, '/')+1]
}

// Resolve applies ResolveRef with b.
func (b Base) Resolve(candidate string) string {
	return ResolveRef(candidate, b.Origin, b.Dir)
}

// ResolveRef resolves a playlist reference:
//
//   - absolute (http:// or https://) is returned as is
//   - root-relative (/path) is joined to origin
//   - anything else is joined to dir
//
// A scheme-relative reference (//host/path) takes origin's scheme.
func ResolveRef(candidate, origin, dir string) string {
	c := strings.TrimSpace(candidate)
	lower := strings.ToLower(c)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		return c
	case strings.HasPrefix(c, "//"):
		scheme, _, ok := strings.Cut(origin, "://")
		if !ok {
			scheme = "https"
		}
		return scheme + ":" + c
	case strings.HasPrefix(c, "/"):
		return strings.TrimRight(origin, "/") + c
	default:
		return dir + c
	}
}
