// Package regtech drives collection against the REGTECH financial-security
// portal: form login with redirect-based success detection, session cookie
// lifecycle, and the multi-strategy advisory-list sweep.
package regtech

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/ratelimit"
)

const (
	loginPath = "/login/addLogin"
	listPath  = "/fcti/securityAdvisory/advisoryList"

	sessionCookieName = "regtech-va"
	frontCookieName   = "regtech-front"

	authTimeout  = 20 * time.Second
	fetchTimeout = 45 * time.Second
	credCacheTTL = 5 * time.Minute

	// Omitting browser-like headers makes the portal silently return empty
	// pages, so the UA is part of the upstream contract.
	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

var (
	// ErrAuthFailed means the portal rejected the credentials outright.
	ErrAuthFailed = errors.New("regtech: authentication failed")
	// ErrSessionExpired means a data call came back as a login redirect or
	// 401; the run must abort and re-authenticate on the next tick.
	ErrSessionExpired = errors.New("regtech: session expired")
)

// StatusError is a non-200 advisory-list response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("regtech: unexpected status %d", e.Code)
}

// ListQuery addresses one advisory-list page. Page is 0-based on the wire.
type ListQuery struct {
	Page      int
	Size      int
	StartDate string // YYYY-MM-DD, empty for no filter
	EndDate   string
}

type credCacheEntry struct {
	valid     bool
	checkedAt time.Time
}

// Client holds one portal session: cookie jar, credential-validity cache,
// and the rate limiter the login path reports into.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	limiter    *ratelimit.Limiter

	mu         sync.Mutex
	cookieMode bool
	credCache  map[string]credCacheEntry
}

func NewClient(baseURL, username, password string, limiter *ratelimit.Limiter) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		username:  username,
		password:  password,
		limiter:   limiter,
		credCache: map[string]credCacheEntry{},
		httpClient: &http.Client{
			Jar: jar,
			// The login contract is a 302 we must inspect ourselves.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Authenticate performs the form login. Success is exactly: HTTP 302 with a
// Location under /main/main and a regtech-va session cookie. A valid cached
// result within the last five minutes short-circuits the call.
func (c *Client) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	if c.cookieMode {
		c.mu.Unlock()
		return nil
	}
	key := c.credKey()
	if entry, ok := c.credCache[key]; ok && time.Since(entry.checkedAt) < credCacheTTL {
		c.mu.Unlock()
		if entry.valid {
			return nil
		}
		return ErrAuthFailed
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	form := url.Values{
		"username": {c.username},
		"password": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+loginPath, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+"/login/loginForm")
	req.Header.Set("User-Agent", browserUA)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.limiter.OnFailure(0)
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	ok := resp.StatusCode == http.StatusFound &&
		strings.Contains(resp.Header.Get("Location"), "/main/main") &&
		hasCookie(resp, sessionCookieName)

	c.mu.Lock()
	c.credCache[key] = credCacheEntry{valid: ok, checkedAt: time.Now()}
	c.mu.Unlock()

	if !ok {
		c.limiter.OnFailure(resp.StatusCode)
		slog.Warn("portal login rejected", "logger", "regtech", "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d", ErrAuthFailed, resp.StatusCode)
	}

	c.limiter.OnSuccess()
	slog.Info("portal login succeeded", "logger", "regtech", "username", c.username)
	return nil
}

// FetchAdvisoryPage posts the bit-exact list form and parses the response.
// Returns ErrSessionExpired on a login redirect or 401, *StatusError on any
// other non-200.
func (c *Client) FetchAdvisoryPage(ctx context.Context, q ListQuery) ([]core.ParsedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	form := url.Values{
		"page":          {strconv.Itoa(q.Page)},
		"size":          {strconv.Itoa(q.Size)},
		"tabSort":       {"blacklist"},
		"findCondition": {"all"},
		"startDate":     {q.StartDate},
		"endDate":       {q.EndDate},
		"excelDown":     {"blacklist"},
		"cveId":         {""},
		"ipId":          {""},
		"estId":         {""},
		"findKeyword":   {""},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+listPath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Origin", c.baseURL)
	req.Header.Set("Referer", c.baseURL+listPath)
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list request: %w", err)
	}
	defer resp.Body.Close()

	if IsCookieExpired(resp) {
		io.Copy(io.Discard, resp.Body)
		c.InvalidateSession()
		return nil, ErrSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read list response: %w", err)
	}
	return ParseRecords(body), nil
}

// IsCookieExpired reports whether a response means the session is gone: a
// 401, or a 302 whose Location mentions login.
func IsCookieExpired(resp *http.Response) bool {
	if resp.StatusCode == http.StatusUnauthorized {
		return true
	}
	if resp.StatusCode == http.StatusFound &&
		strings.Contains(strings.ToLower(resp.Header.Get("Location")), "login") {
		return true
	}
	return false
}

// SetCookieString loads a semicolon-separated cookie header into the jar
// and switches the client to cookie mode, bypassing login. Malformed pairs
// are skipped; the method never fails.
func (c *Client) SetCookieString(raw string) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return
	}
	var cookies []*http.Cookie
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, found := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: name, Value: strings.TrimSpace(value)})
	}
	if len(cookies) == 0 {
		return
	}
	c.httpClient.Jar.SetCookies(u, cookies)

	c.mu.Lock()
	c.cookieMode = true
	c.mu.Unlock()
	slog.Info("cookie auth mode enabled", "logger", "regtech", "cookies", len(cookies))
}

// InvalidateSession clears cookie mode and the credential-validity cache so
// the next tick performs a fresh login.
func (c *Client) InvalidateSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cookieMode = false
	c.credCache = map[string]credCacheEntry{}
}

// CookieMode reports whether the client runs on an externally supplied
// cookie instead of form login.
func (c *Client) CookieMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cookieMode
}

func (c *Client) credKey() string {
	sum := sha256.Sum256([]byte(c.password))
	return c.username + ":" + hex.EncodeToString(sum[:])
}

func hasCookie(resp *http.Response, name string) bool {
	for _, ck := range resp.Cookies() {
		if ck.Name == name && ck.Value != "" {
			return true
		}
	}
	return false
}
