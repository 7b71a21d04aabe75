package developer

// Device is a Developer Portal device registration, distinct from any
// physical device handled by the transport layer.
type Device struct {
	DeviceID       string `plist:"deviceId"`
	Name           string `plist:"name"`
	DeviceNumber   string `plist:"deviceNumber"`
	DevicePlatform string `plist:"devicePlatform"`
	Status         string `plist:"status"`
	DeviceClass    string `plist:"deviceClass"`
	Model          string `plist:"model"`
}

type listDevicesResponse struct {
	Devices []Device `plist:"devices"`
}

type addDeviceResponse struct {
	Device Device `plist:"device"`
}

// ListDevices returns all devices registered under a team.
func (s *Session) ListDevices(teamID string) ([]Device, error) {
	var resp listDevicesResponse
	err := s.qhSendRequest("ios/listDevices", map[string]interface{}{
		"teamId": teamID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// AddDevice registers a device by UDID.
func (s *Session) AddDevice(teamID, name, udid string) (*Device, error) {
	var resp addDeviceResponse
	err := s.qhSendRequest("ios/addDevice", map[string]interface{}{
		"teamId":       teamID,
		"name":         name,
		"deviceNumber": udid,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Device, nil
}

// GetDevice looks up a registration by UDID; it returns nil when the device
// is not registered.
func (s *Session) GetDevice(teamID, udid string) (*Device, error) {
	devices, err := s.ListDevices(teamID)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].DeviceNumber == udid {
			return &devices[i], nil
		}
	}
	return nil, nil
}

// EnsureDevice registers the device unless it already is. Idempotent: the
// lookup precedes any create.
func (s *Session) EnsureDevice(teamID, name, udid string) (*Device, error) {
	device, err := s.GetDevice(teamID, udid)
	if err != nil {
		return nil, err
	}
	if device != nil {
		return device, nil
	}
	return s.AddDevice(teamID, name, udid)
}
