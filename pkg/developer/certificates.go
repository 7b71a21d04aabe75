package developer

// Certificate is a development signing certificate as listed by the portal.
// CertContent is the DER-encoded X.509 certificate.
type Certificate struct {
	CertificateID string `plist:"certificateId"`
	SerialNumber  string `plist:"serialNumber"`
	Name          string `plist:"name"`
	MachineName   string `plist:"machineName"`
	MachineID     string `plist:"machineId"`
	CertContent   []byte `plist:"certContent"`
}

// CertRequest is the portal's record of a submitted CSR.
type CertRequest struct {
	CertRequestID string `plist:"certRequestId"`
	CertificateID string `plist:"certificateId"`
	StatusCode    int    `plist:"statusCode"`
}

type listCertsResponse struct {
	Certificates []Certificate `plist:"certificates"`
}

type submitCSRResponse struct {
	CertRequest CertRequest `plist:"certRequest"`
}

// ListDevelopmentCerts returns the team's development certificates.
func (s *Session) ListDevelopmentCerts(teamID string) ([]Certificate, error) {
	var resp listCertsResponse
	err := s.qhSendRequest("ios/listAllDevelopmentCerts", map[string]interface{}{
		"teamId": teamID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

// SubmitDevelopmentCSR asks the portal to issue a development certificate
// for the given PEM-encoded PKCS#10 request.
func (s *Session) SubmitDevelopmentCSR(teamID, csrPEM, machineID, machineName string) (*CertRequest, error) {
	var resp submitCSRResponse
	err := s.qhSendRequest("ios/submitDevelopmentCSR", map[string]interface{}{
		"teamId":      teamID,
		"csrContent":  csrPEM,
		"machineId":   machineID,
		"machineName": machineName,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.CertRequest, nil
}

// RevokeDevelopmentCert revokes a certificate by serial number.
func (s *Session) RevokeDevelopmentCert(teamID, serialNumber string) error {
	return s.qhSendRequest("ios/revokeDevelopmentCert", map[string]interface{}{
		"teamId":       teamID,
		"serialNumber": serialNumber,
	}, nil)
}
