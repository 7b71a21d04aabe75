package developer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/apex/log"
)

// v1Method selects how a JSON:API call is transported. Reads are modeled as
// POSTs carrying the query in the body with a method-override header.
type v1Method int

const (
	v1Get v1Method = iota
	v1Post
	v1Patch
)

type v1ErrorDocument struct {
	Errors []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// v1SendRequest performs one JSON:API call against the v1 surface and
// decodes the response document into out when out is non-nil.
func (s *Session) v1SendRequest(resource string, method v1Method, body interface{}, out interface{}) error {
	url := fmt.Sprintf("%s/v1/%s", s.baseURL, resource)

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	httpMethod := http.MethodPost
	if method == v1Patch {
		httpMethod = http.MethodPatch
	}

	req, err := http.NewRequest(httpMethod, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if err := s.setIdentityHeaders(req); err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	req.Header.Set("Accept", "application/vnd.api+json")
	if method == v1Get {
		req.Header.Set("X-HTTP-Method-Override", "GET")
	}

	log.WithField("resource", resource).Debug("v1 request")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("v1 request %s: %w", resource, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("v1 response %s: %w", resource, err)
	}

	var errDoc v1ErrorDocument
	if err := json.Unmarshal(data, &errDoc); err == nil && len(errDoc.Errors) > 0 {
		first := errDoc.Errors[0]
		code, _ := strconv.Atoi(first.Code)
		httpCode, _ := strconv.Atoi(first.Status)
		message := first.Title
		if first.Detail != "" {
			message = first.Detail
		}
		return &APIError{URL: url, Code: code, HTTPCode: httpCode, Message: message}
	}
	if resp.StatusCode >= 400 {
		return &APIError{URL: url, HTTPCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode v1 response %s: %w", resource, err)
		}
	}
	return nil
}
