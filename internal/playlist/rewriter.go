package playlist

import (
	"bufio"
	"bytes"
	"path/filepath"
	"regexp"
	"strings"

	"hls-downloader/internal/workspace"
)

// KeyFunc stores the key at keyURL locally and returns the directive rewritten
// to reference it. ok=false keeps the original directive.
type KeyFunc func(line, keyURL string) (rewritten string, ok bool)

var keyURIRe = regexp.MustCompile(`URI=("[^"]*"|'[^']*')`)

// KeyURI extracts the URI attribute of a key directive.
func KeyURI(line string) (uri string, start, end int, ok bool) {
	m := keyURIRe.FindStringSubmatchIndex(line)
	if m == nil {
		return "", 0, 0, false
	}
	quoted := line[m[2]:m[3]]
	return quoted[1 : len(quoted)-1], m[0], m[1], true
}

// ReplaceKeyURI swaps the URI attribute of a key directive for ref.
func ReplaceKeyURI(line, ref string) string {
	_, start, end, ok := KeyURI(line)
	if !ok {
		return line
	}
	return line[:start] + `URI="` + ref + `"` + line[end:]
}

// RewriteMedia walks a media playlist line by line. Content lines become
// segments numbered in order and are replaced by their local file name; key
// directives go through keyFn; the end-list tag is kept and ends the walk;
// other directives are copied verbatim. Blank lines are dropped.
func RewriteMedia(body []byte, base Base, keyFn KeyFunc) *Document {
	doc := &Document{Kind: Media}
	var out strings.Builder
	out.Grow(len(body))

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			if strings.HasPrefix(trimmed, tagKey) {
				if uri, _, _, ok := KeyURI(trimmed); ok && uri != "" {
					keyURL := base.Resolve(uri)
					doc.Key = &Key{URL: keyURL}
					if keyFn != nil {
						if rewritten, ok := keyFn(trimmed, keyURL); ok {
							doc.Key.Local = true
							out.WriteString(rewritten)
							out.WriteByte('\n')
							continue
						}
					}
				}
			}
			out.WriteString(line)
			out.WriteByte('\n')
			if strings.HasPrefix(trimmed, tagEndList) {
				doc.Ended = true
				break
			}
			continue
		}

		idx := len(doc.Segments)
		doc.Segments = append(doc.Segments, Segment{URL: base.Resolve(trimmed), Index: idx})
		out.WriteString(workspace.SegmentName(idx))
		out.WriteByte('\n')
	}

	doc.Rewritten = out.String()
	return doc
}

// Manifest renders the concat manifest for n segments of ws, in index order.
func Manifest(ws workspace.Workspace, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteString("file '")
		b.WriteString(EscapeConcatPath(ws.SegmentPath(i)))
		b.WriteString("'\n")
	}
	return b.String()
}

// EscapeConcatPath prepares p for a single-quoted concat entry: separators
// become '/', and each quote closes the string, emits \' and reopens it.
func EscapeConcatPath(p string) string {
	p = filepath.ToSlash(p)
	return strings.ReplaceAll(p, `'`, `'\''`)
}
