package playlist

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/grafov/m3u8"
)

// Kind tells a master (variant list) playlist from a media (segment list) one.
type Kind int

const (
	Media Kind = iota
	Master
)

func (k Kind) String() string {
	if k == Master {
		return "master"
	}
	return "media"
}

// Tags the resolver looks at. Everything else is copied through.
const (
	tagStreamInf = "#EXT-X-STREAM-INF"
	tagKey       = "#EXT-X-KEY"
	tagEndList   = "#EXT-X-ENDLIST"
)

// Segment is one media segment. Index is its position among the content lines
// of the media playlist, starting at 0; it names the local file and fixes the
// assembly order.
type Segment struct {
	URL   string
	Index int
}

// Key is the encryption key referenced by the media playlist.
type Key struct {
	URL string
	// Local is set when the key was stored next to the segments and the
	// directive rewritten to point at it.
	Local bool
}

// Document is the result of resolving one playlist URL. For Master only
// Variants is set; for Media the remaining fields are.
type Document struct {
	Kind Kind
	URL  string

	Variants []string

	Segments  []Segment
	Key       *Key
	Ended     bool
	Rewritten string
}

// Classify reports whether body is a master playlist and, if so, returns its
// variant URIs in playlist order (unresolved). The decoder decides when it
// can; a raw variant-stream marker decides otherwise.
func Classify(body []byte) (Kind, []string) {
	p, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err == nil && listType == m3u8.MASTER {
		if master, ok := p.(*m3u8.MasterPlaylist); ok && len(master.Variants) > 0 {
			uris := make([]string, 0, len(master.Variants))
			for _, v := range master.Variants {
				if v != nil && v.URI != "" {
					uris = append(uris, v.URI)
				}
			}
			if len(uris) > 0 {
				return Master, uris
			}
		}
	}
	if !bytes.Contains(body, []byte(tagStreamInf)) {
		return Media, nil
	}
	return Master, contentLines(body)
}

// contentLines returns the non-empty, non-comment lines of body.
func contentLines(body []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
