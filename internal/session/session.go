// Package session manages the persisted backend session cookie used by the
// credentialed REST and stream clients.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CookieName is the backend's session cookie.
const CookieName = "storeport_session"

type fileFormat struct {
	Token string `json:"token"`
}

// Session holds the session token and exposes it as a cookie jar scoped to
// the origins the backend serves: the API base and, when it differs, the
// dashboard origin the job stream hangs off.
type Session struct {
	path    string
	origins []*url.URL
	token   string
	jar     *cookiejar.Jar
}

// Load opens the session file at path (created on first Save) and binds the
// cookie to the given base URLs.
func Load(path string, bases ...string) (*Session, error) {
	origins := make([]*url.URL, 0, len(bases))
	for _, base := range bases {
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse base url %q: %w", base, err)
		}
		origins = append(origins, u)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	s := &Session{path: path, origins: origins, jar: jar}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("decode session file: %w", err)
	}
	if ff.Token != "" {
		s.setCookie(ff.Token)
	}
	return s, nil
}

// Jar returns the cookie jar carrying the session cookie.
func (s *Session) Jar() http.CookieJar { return s.jar }

// Token returns the raw session token, empty if logged out.
func (s *Session) Token() string { return s.token }

// SetToken stores and persists a new session token.
func (s *Session) SetToken(token string) error {
	s.setCookie(token)
	return s.save()
}

// Clear removes the session, logging the client out locally.
func (s *Session) Clear() error {
	s.token = ""
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	s.jar = jar
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// Valid reports whether a session token is present and, when it is a JWT,
// not yet expired. The signature is the server's concern; only exp is read
// here, so a doomed stream connect can be vetoed without a round trip.
func (s *Session) Valid() bool {
	if s.token == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.token, claims); err != nil {
		// Opaque (non-JWT) tokens cannot be checked locally; let the server
		// decide.
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return exp.After(time.Now())
}

func (s *Session) setCookie(token string) {
	s.token = token
	for _, origin := range s.origins {
		s.jar.SetCookies(origin, []*http.Cookie{{
			Name:  CookieName,
			Value: token,
			Path:  "/",
		}})
	}
}

func (s *Session) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.Marshal(fileFormat{Token: s.token})
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}
