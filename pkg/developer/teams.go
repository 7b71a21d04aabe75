package developer

// Team is one developer program membership.
type Team struct {
	TeamID string `plist:"teamId"`
	Name   string `plist:"name"`
	Status string `plist:"status"`
	Type   string `plist:"type"`
}

type listTeamsResponse struct {
	Teams []Team `plist:"teams"`
}

// ListTeams returns the teams the session's account belongs to. This is
// also the session self-test run by the constructors.
func (s *Session) ListTeams() ([]Team, error) {
	var resp listTeamsResponse
	if err := s.qhSendRequest("listTeams", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Teams, nil
}

// Developer is the portal's view of the account holder.
type Developer struct {
	DeveloperID string `plist:"developerId"`
	FirstName   string `plist:"firstName"`
	LastName    string `plist:"lastName"`
	Email       string `plist:"email"`
}

type viewDeveloperResponse struct {
	Developer Developer `plist:"developer"`
}

// ViewDeveloper returns the account-holder record.
func (s *Session) ViewDeveloper() (*Developer, error) {
	var resp viewDeveloperResponse
	if err := s.qhSendRequest("viewDeveloper", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Developer, nil
}
