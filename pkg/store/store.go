// Package store persists logged-in accounts as plain JSON records. The
// signing engine itself only ever reads these; writing happens at the CLI
// boundary.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/khcrysalis/PlumeImpactor/pkg/anisette"
	"github.com/khcrysalis/PlumeImpactor/pkg/developer"
	"github.com/khcrysalis/PlumeImpactor/pkg/gsa"
)

// GsaAccount is the at-rest record of one authenticated account: just the
// identity pair a developer session needs, never the password.
type GsaAccount struct {
	Email        string `json:"email"`
	FirstName    string `json:"first_name"`
	ADSID        string `json:"adsid"`
	XcodeGSToken string `json:"xcode_gs_token"`
}

// Session opens a validated developer session from the record.
func (a *GsaAccount) Session(cfg anisette.Configuration) (*developer.Session, error) {
	return developer.NewSession(a.ADSID, a.XcodeGSToken, cfg)
}

// AccountFromSession exchanges a fresh GSA login for a persistable record.
// The identity pair is validated against the team-listing endpoint before a
// record is emitted, so a stored account is known to have worked at least
// once.
func AccountFromSession(email string, account *gsa.Account, cfg anisette.Configuration) (*GsaAccount, error) {
	token, err := account.XcodeToken()
	if err != nil {
		return nil, err
	}

	// the session constructor self-validates via ListTeams
	session, err := developer.NewSession(account.ADSID(), token.Token, cfg)
	if err != nil {
		return nil, err
	}

	firstName, _ := account.Name()
	return &GsaAccount{
		Email:        email,
		FirstName:    firstName,
		ADSID:        session.ADSID(),
		XcodeGSToken: session.Token(),
	}, nil
}

// AccountStore is a keyed-by-email collection of account records with an
// optional selection, serialized as one JSON file.
type AccountStore struct {
	SelectedAccount string                `json:"selected_account,omitempty"`
	Accounts        map[string]GsaAccount `json:"accounts"`

	path string
}

// Load reads the store at path; a missing file yields an empty store bound
// to the same path.
func Load(path string) (*AccountStore, error) {
	s := &AccountStore{Accounts: map[string]GsaAccount{}, path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read account store: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse account store: %w", err)
	}
	if s.Accounts == nil {
		s.Accounts = map[string]GsaAccount{}
	}
	return s, nil
}

// Save writes the store back to the path it was loaded from.
func (s *AccountStore) Save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Add inserts or replaces the record and selects it.
func (s *AccountStore) Add(account GsaAccount) error {
	s.Accounts[account.Email] = account
	s.SelectedAccount = account.Email
	return s.Save()
}

// Remove drops the record, clearing the selection when it pointed there.
func (s *AccountStore) Remove(email string) error {
	delete(s.Accounts, email)
	if s.SelectedAccount == email {
		s.SelectedAccount = ""
	}
	return s.Save()
}

// Select marks an existing account as the default for future runs.
func (s *AccountStore) Select(email string) error {
	if _, ok := s.Accounts[email]; !ok {
		return fmt.Errorf("no stored account for %s", email)
	}
	s.SelectedAccount = email
	return s.Save()
}

// Selected returns the selected account record, if any.
func (s *AccountStore) Selected() (*GsaAccount, bool) {
	if s.SelectedAccount == "" {
		return nil, false
	}
	account, ok := s.Accounts[s.SelectedAccount]
	if !ok {
		return nil, false
	}
	return &account, true
}

// Get looks up an account by email.
func (s *AccountStore) Get(email string) (*GsaAccount, bool) {
	account, ok := s.Accounts[email]
	if !ok {
		return nil, false
	}
	return &account, true
}
