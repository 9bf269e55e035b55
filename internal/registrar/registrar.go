// Package registrar talks to the registration backend's REST endpoints:
// the term list, the bulk section listing and the socket token exchange.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrAuthExpired means the session artifact was rejected. Callers route it
// through the session store's refresh path.
var ErrAuthExpired = errors.New("registrar: session expired")

// maxResponseSize bounds JSON response reads. The bulk section listing for
// a full term is a few megabytes.
const maxResponseSize int64 = 64 << 20

// StatusError is a non-auth HTTP failure. It is always transient from the
// caller's point of view.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registrar: %s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

// Term is one entry of the term list.
type Term struct {
	Name string `json:"STVTERM_DESC"`
	Code string `json:"STVTERM_CODE"`
}

// CRN decodes a section number that the backend sometimes sends as a JSON
// number and sometimes as a string.
type CRN string

func (c *CRN) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = CRN(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("registrar: CRN %s: %w", data, err)
	}
	*c = CRN(n.String())
	return nil
}

// Section is one record of the bulk section listing.
type Section struct {
	CRN     CRN    `json:"SWV_CLASS_SEARCH_CRN"`
	Open    string `json:"STUSEAT_OPEN"`
	Subject string `json:"SWV_CLASS_SEARCH_SUBJECT"`
	Course  string `json:"SWV_CLASS_SEARCH_COURSE"`
	Title   string `json:"SWV_CLASS_SEARCH_TITLE"`
}

// IsOpen reports whether the section has a free seat.
func (s Section) IsOpen() bool { return s.Open == "Y" }

// DisplayTitle formats the section as "SUBJ NUM – Title".
func (s Section) DisplayTitle() string {
	return fmt.Sprintf("%s %s – %s", s.Subject, s.Course, s.Title)
}

// Client is safe for concurrent use.
type Client struct {
	howdy     string
	scheduler string
	http      *http.Client
}

// NewClient returns a client for the given base URLs. A nil httpClient
// gets a default with a 10s timeout. Redirects are never followed: the
// backend answers an expired cookie with a redirect to its login page.
func NewClient(howdyBase, schedulerBase string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	hc := *httpClient
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{
		howdy:     strings.TrimRight(howdyBase, "/"),
		scheduler: strings.TrimRight(schedulerBase, "/"),
		http:      &hc,
	}
}

// Terms lists every term the backend knows about.
func (c *Client) Terms(ctx context.Context, artifact string) ([]Term, error) {
	var terms []Term
	if err := c.do(ctx, "terms", http.MethodGet, c.howdy+"/api/all-terms", artifact, nil, &terms); err != nil {
		return nil, err
	}
	return terms, nil
}

type sectionQuery struct {
	StartRow     int    `json:"startRow"`
	EndRow       int    `json:"endRow"`
	TermCode     string `json:"termCode"`
	PublicSearch string `json:"publicSearch"`
	CRN          string `json:"crn,omitempty"`
}

// Sections fetches every section of a term in one request.
func (c *Client) Sections(ctx context.Context, artifact, termCode string) ([]Section, error) {
	return c.sections(ctx, artifact, sectionQuery{TermCode: termCode, PublicSearch: "Y"})
}

// LookupCRN fetches a single section. It returns (nil, nil) when the term
// has no such CRN.
func (c *Client) LookupCRN(ctx context.Context, artifact, termCode, crn string) (*Section, error) {
	sections, err := c.sections(ctx, artifact, sectionQuery{TermCode: termCode, PublicSearch: "Y", CRN: crn})
	if err != nil {
		return nil, err
	}
	for i := range sections {
		if string(sections[i].CRN) == crn {
			return &sections[i], nil
		}
	}
	return nil, nil
}

func (c *Client) sections(ctx context.Context, artifact string, q sectionQuery) ([]Section, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "sections", http.MethodPost, c.howdy+"/api/course-sections", artifact, q, &raw); err != nil {
		return nil, err
	}
	return decodeSections(raw)
}

// decodeSections accepts either a bare list or {"courseSections": [...]}.
func decodeSections(raw json.RawMessage) ([]Section, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var list []Section
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("registrar: decoding sections: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		CourseSections []Section `json:"courseSections"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("registrar: decoding sections: %w", err)
	}
	return wrapped.CourseSections, nil
}

// AccessToken exchanges the session artifact for a socket access token.
func (c *Client) AccessToken(ctx context.Context, artifact string) (string, error) {
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	url := c.scheduler + "/api/oauth/student/client-credentials/token"
	if err := c.do(ctx, "token", http.MethodGet, url, artifact, nil, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("registrar: token: %w", ErrAuthExpired)
	}
	return resp.AccessToken, nil
}

func (c *Client) do(ctx context.Context, op, method, url, artifact string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("registrar: %s: encoding request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("registrar: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if artifact != "" {
		req.Header.Set("Cookie", artifact)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("registrar: %s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("registrar: %s: HTTP %d: %w", op, resp.StatusCode, ErrAuthExpired)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		return fmt.Errorf("registrar: %s: redirected to %q: %w", op, resp.Header.Get("Location"), ErrAuthExpired)
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("registrar: %s: reading response: %w", op, err)
	}
	// A login page served with 200 is also an expired session.
	if t := bytes.TrimSpace(data); len(t) > 0 && t[0] == '<' {
		return fmt.Errorf("registrar: %s: got HTML instead of JSON: %w", op, ErrAuthExpired)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("registrar: %s: decoding response: %w", op, err)
	}
	return nil
}

// IsTransient reports whether err is worth retrying on the next cycle.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrAuthExpired) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status >= 500 || se.Status == http.StatusTooManyRequests
	}
	return true
}

// ParseCRN normalizes user input into a CRN.
func ParseCRN(s string) (string, error) {
	s = strings.TrimSpace(s)
	if _, err := strconv.ParseUint(s, 10, 32); err != nil {
		return "", fmt.Errorf("registrar: %q is not a CRN", s)
	}
	return s, nil
}
