// Package developer is a client for the Apple Developer Services endpoints
// used during re-signing: teams, devices, certificates, app IDs, app groups
// and team provisioning profiles. It speaks two wire dialects, the legacy
// XML-plist RPC ("QH65B2") and the JSON:API v1 surface, both authenticated
// by an (adsid, Xcode GS token) pair plus anisette headers.
package developer

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"

	"github.com/khcrysalis/PlumeImpactor/pkg/anisette"
	"github.com/khcrysalis/PlumeImpactor/pkg/gsa"
)

const (
	defaultBaseURL = "https://developerservices2.apple.com/services"
	clientID       = "XABBG36SBA"
)

// Session is an authenticated developer-services client. The identity pair
// is immutable after construction; the anisette cache is refreshed behind a
// single-writer lock. Constructors validate the session by listing teams and
// never return an unvalidated session.
type Session struct {
	adsid string
	token string

	provider anisette.Provider
	client   *http.Client
	baseURL  string

	// guards provider refresh so only one is in flight
	mu sync.Mutex
}

// NewSession builds a session from a persisted identity pair and validates
// it against the team-listing endpoint.
func NewSession(adsid, token string, cfg anisette.Configuration) (*Session, error) {
	provider, err := anisette.Configure(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure anisette: %w", err)
	}
	return newSession(adsid, token, provider)
}

// UsingAccount derives a session from a logged-in account by exchanging it
// for an Xcode developer-services token.
func UsingAccount(account *gsa.Account, cfg anisette.Configuration) (*Session, error) {
	token, err := account.XcodeToken()
	if err != nil {
		return nil, fmt.Errorf("fetch xcode token: %w", err)
	}
	return NewSession(account.ADSID(), token.Token, cfg)
}

// NewSessionAt targets an alternate service base URL with a prebuilt
// anisette provider. Proxied and test setups use this; everything else goes
// through NewSession.
func NewSessionAt(baseURL, adsid, token string, provider anisette.Provider) (*Session, error) {
	return newSessionAt(baseURL, adsid, token, provider)
}

func newSession(adsid, token string, provider anisette.Provider) (*Session, error) {
	return newSessionAt(defaultBaseURL, adsid, token, provider)
}

func newSessionAt(baseURL, adsid, token string, provider anisette.Provider) (*Session, error) {
	s := &Session{
		adsid:    adsid,
		token:    token,
		provider: provider,
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  baseURL,
	}
	// an unvalidated session must never escape
	if _, err := s.ListTeams(); err != nil {
		return nil, fmt.Errorf("validate session: %w", err)
	}
	log.WithField("adsid", adsid).Debug("developer session validated")
	return s, nil
}

// ADSID returns the session's directory-services identifier.
func (s *Session) ADSID() string { return s.adsid }

// Token returns the session's Xcode GS token.
func (s *Session) Token() string { return s.token }

func (s *Session) anisetteHeaders() (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider.NeedsRefresh() {
		if err := s.provider.Refresh(); err != nil {
			return nil, fmt.Errorf("refresh anisette: %w", err)
		}
	}
	return s.provider.Headers(true, true, true)
}

// setIdentityHeaders injects the headers shared by both dialects.
func (s *Session) setIdentityHeaders(req *http.Request) error {
	headers, err := s.anisetteHeaders()
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", "Xcode")
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("X-Apple-I-Identity-Id", s.adsid)
	req.Header.Set("X-Apple-GS-Token", s.token)
	return nil
}

// ChooseTeam resolves which team an operation should run under. A single
// team is returned directly; several teams require the caller to
// disambiguate rather than silently picking the first.
func ChooseTeam(teams []Team) (Team, error) {
	switch len(teams) {
	case 0:
		return Team{}, ErrNoTeams
	case 1:
		return teams[0], nil
	default:
		return Team{}, ErrTeamChoiceRequired
	}
}

// sanitizeName strips everything but ASCII letters from portal entity
// names; the portal rejects most punctuation.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
