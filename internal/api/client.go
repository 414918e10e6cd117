package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"hls-downloader/internal/httpx"
)

const (
	DefaultTimeout = 30 * time.Second

	// UnknownProfessor is reported when a course lists no professor.
	UnknownProfessor = "未知教师"
)

// ErrNoSessions is returned when a course has no recorded sessions, which
// usually means the credential is missing or the course ID is wrong.
var ErrNoSessions = errors.New("course has no sessions")

// HeaderSource supplies the signed header set for each request.
type HeaderSource interface {
	Headers() http.Header
}

// Client talks to the course metadata API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Headers HeaderSource
	Timeout time.Duration
}

func NewClient(baseURL string, hc *http.Client, headers HeaderSource) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    hc,
		Headers: headers,
		Timeout: DefaultTimeout,
	}
}

// ID accepts both JSON numbers and strings.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	*id = ID(strings.Trim(string(b), `"`))
	return nil
}

type Course struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Professor string `json:"professor"`
}

// VideoSource holds the two recordings of a session.
type VideoSource struct {
	Main string `json:"main"` // camera
	VGA  string `json:"vga"`  // screen
}

type Session struct {
	ID       ID            `json:"id"`
	Title    string        `json:"title"`
	Videos   []VideoSource `json:"videos"`
	VideoIDs []ID          `json:"video_ids"`
}

// Source selects which recording of a session to download.
type Source string

const (
	SourceCamera Source = "camera"
	SourceScreen Source = "screen"
)

// URL returns the playlist URL of the first recording for src.
func (s Session) URL(src Source) string {
	if len(s.Videos) == 0 {
		return ""
	}
	if src == SourceScreen {
		return s.Videos[0].VGA
	}
	return s.Videos[0].Main
}

// VideoID returns the first video ID, used to look up the audio track.
func (s Session) VideoID() string {
	if len(s.VideoIDs) == 0 {
		return ""
	}
	return string(s.VideoIDs[0])
}

type CourseInfo struct {
	Course
	Sessions []Session `json:"sessions"`
}

// get issues a signed GET for path and decodes the envelope's data into out.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.Headers != nil {
		req.Header = c.Headers.Headers()
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return httpx.DecodeEnvelope(resp, out)
}

// Course fetches the course name and its first professor.
func (c *Client) Course(ctx context.Context, courseID string) (*Course, error) {
	courseID = strings.TrimSpace(courseID)
	var data struct {
		NameZh     string `json:"name_zh"`
		Professors []struct {
			Name string `json:"name"`
		} `json:"professors"`
	}
	q := url.Values{"id": {courseID}, "with_professor_badges": {"true"}}
	if err := c.get(ctx, "/v1/course", q, &data); err != nil {
		return nil, fmt.Errorf("course %s: %w", courseID, err)
	}
	course := &Course{ID: courseID, Name: strings.TrimSpace(data.NameZh), Professor: UnknownProfessor}
	if len(data.Professors) > 0 {
		if p := strings.TrimSpace(data.Professors[0].Name); p != "" {
			course.Professor = p
		}
	}
	return course, nil
}

// Sessions lists the recorded sessions of a course.
func (c *Client) Sessions(ctx context.Context, courseID string) ([]Session, error) {
	courseID = strings.TrimSpace(courseID)
	var sessions []Session
	if err := c.get(ctx, "/v2/course/session/list", url.Values{"course_id": {courseID}}, &sessions); err != nil {
		return nil, fmt.Errorf("sessions of course %s: %w", courseID, err)
	}
	return sessions, nil
}

// CourseInfo combines Course and Sessions. An empty session list is an error.
func (c *Client) CourseInfo(ctx context.Context, courseID string) (*CourseInfo, error) {
	course, err := c.Course(ctx, courseID)
	if err != nil {
		return nil, err
	}
	sessions, err := c.Sessions(ctx, courseID)
	if err != nil && !errors.Is(err, httpx.ErrNoData) {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("course %s (%s): %w", courseID, course.Name, ErrNoSessions)
	}
	return &CourseInfo{Course: *course, Sessions: sessions}, nil
}

// CheckAuth reports whether the current credential can list the sessions of
// courseID.
func (c *Client) CheckAuth(ctx context.Context, courseID string) bool {
	sessions, err := c.Sessions(ctx, courseID)
	return err == nil && sessions != nil
}

// AudioURL returns the audio track URL of a video, or "" when it has none.
func (c *Client) AudioURL(ctx context.Context, videoID string) (string, error) {
	var data struct {
		Audio string `json:"audio"`
	}
	if err := c.get(ctx, "/v1/video", url.Values{"id": {videoID}}, &data); err != nil {
		if errors.Is(err, httpx.ErrNoData) {
			return "", nil
		}
		return "", fmt.Errorf("video %s: %w", videoID, err)
	}
	return data.Audio, nil
}

var coursePattern = regexp.MustCompile(`/course/(\d+)(?:/|$)`)

// ExtractCourseID finds the numeric course ID in a course page URL.
func ExtractCourseID(rawURL string) (string, bool) {
	m := coursePattern.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return m[1], true
}

var (
	weekPattern = regexp.MustCompile(`第(\d+)周`)
	dayNames    = []struct{ zh, en string }{
		{"星期一", "Mon"}, {"星期二", "Tue"}, {"星期三", "Wed"}, {"星期四", "Thu"},
		{"星期五", "Fri"}, {"星期六", "Sat"}, {"星期日", "Sun"}, {"星期天", "Sun"},
	}
)

// FormatSessionName shortens a session title such as "第6周 星期四 第4节" to
// "Week_6_Thu". Titles without both parts are returned unchanged.
func FormatSessionName(title string) string {
	m := weekPattern.FindStringSubmatch(title)
	if m == nil {
		return title
	}
	for _, d := range dayNames {
		if strings.Contains(title, d.zh) {
			return "Week_" + m[1] + "_" + d.en
		}
	}
	return title
}
