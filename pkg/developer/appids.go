package developer

import "fmt"

// AppID is a registered application identifier under a team.
type AppID struct {
	AppIDID    string `plist:"appIdId"`
	Identifier string `plist:"identifier"`
	Name       string `plist:"name"`
	Prefix     string `plist:"prefix"`
}

type listAppIDsQHResponse struct {
	AppIDs []AppID `plist:"appIds"`
}

type addAppIDResponse struct {
	AppID AppID `plist:"appId"`
}

// v1 bundleIds resource, JSON:API shaped
type v1BundleIDsDocument struct {
	Data []struct {
		ID         string `json:"id"`
		Type       string `json:"type"`
		Attributes struct {
			Identifier string `json:"identifier"`
			Name       string `json:"name"`
			SeedID     string `json:"seedId"`
		} `json:"attributes"`
	} `json:"data"`
}

// ListAppIDs returns the team's app IDs via the v1 dialect.
func (s *Session) ListAppIDs(teamID string) ([]AppID, error) {
	var doc v1BundleIDsDocument
	body := map[string]interface{}{
		"urlEncodedQueryParams": fmt.Sprintf("teamId=%s&limit=1000", teamID),
	}
	if err := s.v1SendRequest("bundleIds", v1Get, body, &doc); err != nil {
		return nil, err
	}

	appIDs := make([]AppID, 0, len(doc.Data))
	for _, entry := range doc.Data {
		appIDs = append(appIDs, AppID{
			AppIDID:    entry.ID,
			Identifier: entry.Attributes.Identifier,
			Name:       entry.Attributes.Name,
			Prefix:     entry.Attributes.SeedID,
		})
	}
	return appIDs, nil
}

// AddAppID registers a new app ID. The portal is picky about names, so the
// display name is sanitized before submission.
func (s *Session) AddAppID(teamID, identifier, name string) (*AppID, error) {
	var resp addAppIDResponse
	err := s.qhSendRequest("ios/addAppId", map[string]interface{}{
		"teamId":     teamID,
		"identifier": identifier,
		"name":       sanitizeName(name),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.AppID, nil
}

// UpdateAppIDFeatures toggles capability features on an existing app ID.
func (s *Session) UpdateAppIDFeatures(teamID, appIDID string, features map[string]interface{}) error {
	args := map[string]interface{}{
		"teamId":  teamID,
		"appIdId": appIDID,
	}
	for k, v := range features {
		args[k] = v
	}
	return s.qhSendRequest("ios/updateAppId", args, nil)
}

// GetAppID looks up an app ID by its bundle identifier; nil when absent.
func (s *Session) GetAppID(teamID, identifier string) (*AppID, error) {
	appIDs, err := s.ListAppIDs(teamID)
	if err != nil {
		return nil, err
	}
	for i := range appIDs {
		if appIDs[i].Identifier == identifier {
			return &appIDs[i], nil
		}
	}
	return nil, nil
}

// EnsureAppID registers the identifier unless it already exists. Idempotent:
// the lookup precedes any create.
func (s *Session) EnsureAppID(teamID, identifier, name string) (*AppID, error) {
	appID, err := s.GetAppID(teamID, identifier)
	if err != nil {
		return nil, err
	}
	if appID != nil {
		return appID, nil
	}
	return s.AddAppID(teamID, identifier, name)
}

type downloadProfileResponse struct {
	ProvisioningProfile struct {
		EncodedProfile []byte `plist:"encodedProfile"`
	} `plist:"provisioningProfile"`
}

// DownloadTeamProvisioningProfile fetches the team profile covering an app
// ID; the result is raw .mobileprovision bytes.
func (s *Session) DownloadTeamProvisioningProfile(teamID, appIDID string) ([]byte, error) {
	var resp downloadProfileResponse
	err := s.qhSendRequest("ios/downloadTeamProvisioningProfile", map[string]interface{}{
		"teamId":  teamID,
		"appIdId": appIDID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.ProvisioningProfile.EncodedProfile) == 0 {
		return nil, fmt.Errorf("developer: empty provisioning profile for app id %s", appIDID)
	}
	return resp.ProvisioningProfile.EncodedProfile, nil
}
