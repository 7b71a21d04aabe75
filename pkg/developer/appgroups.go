package developer

// ApplicationGroup is a registered app group under a team.
type ApplicationGroup struct {
	ApplicationGroup string `plist:"applicationGroup"`
	Name             string `plist:"name"`
	Status           string `plist:"status"`
	Prefix           string `plist:"prefix"`
	Identifier       string `plist:"identifier"`
}

type listAppGroupsResponse struct {
	ApplicationGroups []ApplicationGroup `plist:"applicationGroupList"`
}

type addAppGroupResponse struct {
	ApplicationGroup ApplicationGroup `plist:"applicationGroup"`
}

// ListAppGroups returns the team's app groups.
func (s *Session) ListAppGroups(teamID string) ([]ApplicationGroup, error) {
	var resp listAppGroupsResponse
	err := s.qhSendRequest("ios/listApplicationGroups", map[string]interface{}{
		"teamId": teamID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.ApplicationGroups, nil
}

// AddAppGroup registers a new app group.
func (s *Session) AddAppGroup(teamID, name, identifier string) (*ApplicationGroup, error) {
	var resp addAppGroupResponse
	err := s.qhSendRequest("ios/registerApplicationGroup", map[string]interface{}{
		"teamId":     teamID,
		"name":       sanitizeName(name),
		"identifier": identifier,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.ApplicationGroup, nil
}

// GetAppGroup looks up an app group by identifier; nil when absent.
func (s *Session) GetAppGroup(teamID, identifier string) (*ApplicationGroup, error) {
	groups, err := s.ListAppGroups(teamID)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].Identifier == identifier {
			return &groups[i], nil
		}
	}
	return nil, nil
}

// EnsureAppGroup registers the group unless it already exists. Idempotent:
// the lookup precedes any create.
func (s *Session) EnsureAppGroup(teamID, name, identifier string) (*ApplicationGroup, error) {
	group, err := s.GetAppGroup(teamID, identifier)
	if err != nil {
		return nil, err
	}
	if group != nil {
		return group, nil
	}
	return s.AddAppGroup(teamID, name, identifier)
}

// AssignAppGroups binds app groups to an app ID.
func (s *Session) AssignAppGroups(teamID, appIDID string, groupIDs []string) error {
	return s.qhSendRequest("ios/assignApplicationGroupToAppId", map[string]interface{}{
		"teamId":            teamID,
		"appIdId":           appIDID,
		"applicationGroups": groupIDs,
	}, nil)
}
