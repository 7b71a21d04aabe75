package developer

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"howett.net/plist"

	"github.com/khcrysalis/PlumeImpactor/pkg/anisette"
)

// portalStub simulates the developer-services endpoints touched by the
// typed calls, tracking create counts for idempotency assertions.
type portalStub struct {
	t *testing.T

	teams      []Team
	devices    []Device
	groups     []ApplicationGroup
	addDevice  int
	addGroup   int
	listTeams  int
	failTeams  bool
	lastQHBody map[string]interface{}
}

func (p *portalStub) respondQH(w http.ResponseWriter, payload map[string]interface{}) {
	body := map[string]interface{}{
		"resultCode":      0,
		"protocolVersion": "QH65B2",
	}
	for k, v := range payload {
		body[k] = v
	}
	raw, err := plist.Marshal(body, plist.XMLFormat)
	if err != nil {
		p.t.Fatalf("marshal response: %v", err)
	}
	w.Write(raw)
}

func (p *portalStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Apple-I-Identity-Id") == "" || r.Header.Get("X-Apple-GS-Token") == "" {
			p.t.Errorf("missing identity headers on %s", r.URL.Path)
		}

		if strings.Contains(r.URL.Path, "/v1/bundleIds") {
			if r.Header.Get("X-HTTP-Method-Override") != "GET" {
				p.t.Errorf("bundleIds list must override method to GET")
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]interface{}{
					{
						"id":   "APPID123",
						"type": "bundleIds",
						"attributes": map[string]interface{}{
							"identifier": "com.example.app",
							"name":       "Example",
							"seedId":     "TEAM123456",
						},
					},
				},
			})
			return
		}

		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		if _, err := plist.Unmarshal(raw, &body); err != nil {
			p.t.Fatalf("unmarshal qh body: %v", err)
		}
		p.lastQHBody = body
		if body["requestId"] == "" {
			p.t.Errorf("missing requestId")
		}

		switch {
		case strings.Contains(r.URL.Path, "listTeams"):
			p.listTeams++
			if p.failTeams {
				p.respondQH(w, map[string]interface{}{
					"resultCode": 5000,
					"userString": "Authentication required.",
					"httpCode":   401,
				})
				return
			}
			p.respondQH(w, map[string]interface{}{"teams": p.teams})
		case strings.Contains(r.URL.Path, "listDevices"):
			p.respondQH(w, map[string]interface{}{"devices": p.devices})
		case strings.Contains(r.URL.Path, "addDevice"):
			p.addDevice++
			device := Device{
				DeviceID:     "D1",
				Name:         body["name"].(string),
				DeviceNumber: body["deviceNumber"].(string),
			}
			p.devices = append(p.devices, device)
			p.respondQH(w, map[string]interface{}{"device": device})
		case strings.Contains(r.URL.Path, "listApplicationGroups"):
			p.respondQH(w, map[string]interface{}{"applicationGroupList": p.groups})
		case strings.Contains(r.URL.Path, "registerApplicationGroup"):
			p.addGroup++
			group := ApplicationGroup{
				ApplicationGroup: "G1",
				Name:             body["name"].(string),
				Identifier:       body["identifier"].(string),
			}
			p.groups = append(p.groups, group)
			p.respondQH(w, map[string]interface{}{"applicationGroup": group})
		default:
			p.t.Fatalf("unhandled path %s", r.URL.Path)
		}
	})
}

func stubSession(t *testing.T, stub *portalStub) (*Session, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	provider := anisette.NewStaticProvider(map[string]string{
		anisette.HeaderOTP:       "otp",
		anisette.HeaderMachineID: "mid",
	}, 0)

	return &Session{
		adsid:    "000123-05-adsid",
		token:    "xcode-token",
		provider: provider,
		client:   &http.Client{Timeout: 5 * time.Second},
		baseURL:  srv.URL,
	}, srv
}

func TestListTeams(t *testing.T) {
	stub := &portalStub{t: t, teams: []Team{{TeamID: "TEAM123456", Name: "Ada Lovelace"}}}
	session, _ := stubSession(t, stub)

	teams, err := session.ListTeams()
	if err != nil {
		t.Fatalf("ListTeams: %v", err)
	}
	if len(teams) != 1 || teams[0].TeamID != "TEAM123456" {
		t.Errorf("teams = %+v", teams)
	}
}

func TestQHErrorMapping(t *testing.T) {
	stub := &portalStub{t: t, failTeams: true}
	session, _ := stubSession(t, stub)

	_, err := session.ListTeams()
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != 5000 || apiErr.HTTPCode != 401 {
		t.Errorf("code = %d http = %d", apiErr.Code, apiErr.HTTPCode)
	}
	if apiErr.Message != "Authentication required." {
		t.Errorf("message = %q", apiErr.Message)
	}
}

func TestSessionConstructorValidates(t *testing.T) {
	stub := &portalStub{t: t, failTeams: true}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	provider := anisette.NewStaticProvider(map[string]string{
		anisette.HeaderOTP:       "otp",
		anisette.HeaderMachineID: "mid",
	}, 0)

	_, err := NewSessionAt(srv.URL, "000123-05-adsid", "xcode-token", provider)
	if err == nil {
		t.Fatalf("expected constructor to fail when team listing fails")
	}
	if stub.listTeams != 1 {
		t.Errorf("listTeams called %d times, want 1", stub.listTeams)
	}
}

func TestEnsureDeviceIdempotent(t *testing.T) {
	stub := &portalStub{t: t}
	session, _ := stubSession(t, stub)

	first, err := session.EnsureDevice("TEAM123456", "My iPhone", "udid-1")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	second, err := session.EnsureDevice("TEAM123456", "My iPhone", "udid-1")
	if err != nil {
		t.Fatalf("EnsureDevice: %v", err)
	}
	if stub.addDevice != 1 {
		t.Errorf("addDevice called %d times, want 1", stub.addDevice)
	}
	if first.DeviceNumber != second.DeviceNumber {
		t.Errorf("ensure returned different devices: %+v vs %+v", first, second)
	}
}

func TestEnsureAppGroupIdempotent(t *testing.T) {
	stub := &portalStub{t: t}
	session, _ := stubSession(t, stub)

	if _, err := session.EnsureAppGroup("TEAM123456", "Example Group", "group.com.example"); err != nil {
		t.Fatalf("EnsureAppGroup: %v", err)
	}
	if _, err := session.EnsureAppGroup("TEAM123456", "Example Group", "group.com.example"); err != nil {
		t.Fatalf("EnsureAppGroup: %v", err)
	}
	if stub.addGroup != 1 {
		t.Errorf("registerApplicationGroup called %d times, want 1", stub.addGroup)
	}
	if got := stub.lastQHBody["identifier"]; got != nil && got != "group.com.example" {
		t.Errorf("identifier = %v", got)
	}
}

func TestListAppIDsV1(t *testing.T) {
	stub := &portalStub{t: t}
	session, _ := stubSession(t, stub)

	appIDs, err := session.ListAppIDs("TEAM123456")
	if err != nil {
		t.Fatalf("ListAppIDs: %v", err)
	}
	if len(appIDs) != 1 {
		t.Fatalf("appIDs = %+v", appIDs)
	}
	if appIDs[0].AppIDID != "APPID123" || appIDs[0].Identifier != "com.example.app" {
		t.Errorf("appID = %+v", appIDs[0])
	}
}

func TestChooseTeam(t *testing.T) {
	if _, err := ChooseTeam(nil); !errors.Is(err, ErrNoTeams) {
		t.Errorf("empty list: %v", err)
	}

	only := Team{TeamID: "TEAM123456"}
	team, err := ChooseTeam([]Team{only})
	if err != nil || team.TeamID != only.TeamID {
		t.Errorf("single team: %+v, %v", team, err)
	}

	_, err = ChooseTeam([]Team{only, {TeamID: "TEAM654321"}})
	if !errors.Is(err, ErrTeamChoiceRequired) {
		t.Errorf("two teams: %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"My App 2.0":    "MyApp",
		"Uncover-jail":  "Uncoverjail",
		"øre":           "re",
		"PlumeImpactor": "PlumeImpactor",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Errorf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
