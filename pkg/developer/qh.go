package developer

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/google/uuid"
	"howett.net/plist"
)

// qhResponse is the uniform envelope of the legacy dialect. Every call
// decodes it first; resultCode zero means success.
type qhResponse struct {
	CreationTimestamp string `plist:"creationTimestamp"`
	ResultCode        int    `plist:"resultCode"`
	UserLocale        string `plist:"userLocale"`
	Protocol          string `plist:"protocolVersion"`
	RequestID         string `plist:"requestId"`
	RequestURL        string `plist:"requestUrl"`
	ResultString      string `plist:"resultString"`
	UserString        string `plist:"userString"`
	HTTPCode          int    `plist:"httpCode"`
}

func (r *qhResponse) apiError(url string) *APIError {
	message := r.UserString
	if message == "" {
		message = r.ResultString
	}
	return &APIError{
		URL:      url,
		Code:     r.ResultCode,
		HTTPCode: r.HTTPCode,
		Message:  message,
	}
}

// qhSendRequest performs one legacy-dialect call. action is the endpoint
// path under the QH65B2 family (e.g. "ios/listDevices"); args are merged
// into the standard request body next to a fresh request UUID. The response
// payload is decoded into out when out is non-nil.
func (s *Session) qhSendRequest(action string, args map[string]interface{}, out interface{}) error {
	url := fmt.Sprintf("%s/QH65B2/%s.action?clientId=%s", s.baseURL, action, clientID)

	body := map[string]interface{}{
		"clientId":        clientID,
		"protocolVersion": "QH65B2",
		"requestId":       strings.ToUpper(uuid.NewString()),
	}
	for k, v := range args {
		body[k] = v
	}

	raw, err := plist.MarshalIndent(body, plist.XMLFormat, "\t")
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	if err := s.setIdentityHeaders(req); err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "text/x-xml-plist")

	log.WithField("action", action).Debug("qh request")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qh request %s: %w", action, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("qh response %s: %w", action, err)
	}

	var envelope qhResponse
	if _, err := plist.Unmarshal(data, &envelope); err != nil {
		return fmt.Errorf("parse qh response %s: %w", action, err)
	}
	if envelope.ResultCode != 0 {
		return envelope.apiError(url)
	}

	if out != nil {
		if _, err := plist.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode qh response %s: %w", action, err)
		}
	}
	return nil
}
