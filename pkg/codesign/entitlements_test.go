package codesign

import (
	"bytes"
	"testing"
)

func TestEntitlementsXMLRoundTrip(t *testing.T) {
	ents := map[string]interface{}{
		"application-identifier": "TEAM123456.com.example.app",
		"get-task-allow":         true,
		"keychain-access-groups": []interface{}{"TEAM123456.com.example.app"},
	}

	xml, err := EntitlementsToXML(ents)
	if err != nil {
		t.Fatalf("EntitlementsToXML: %v", err)
	}
	parsed, err := ParseEntitlementsXML(xml)
	if err != nil {
		t.Fatalf("ParseEntitlementsXML: %v", err)
	}

	if parsed["application-identifier"] != "TEAM123456.com.example.app" {
		t.Errorf("application-identifier = %v", parsed["application-identifier"])
	}
	if parsed["get-task-allow"] != true {
		t.Errorf("get-task-allow = %v", parsed["get-task-allow"])
	}
	groups, ok := parsed["keychain-access-groups"].([]interface{})
	if !ok || len(groups) != 1 {
		t.Errorf("keychain-access-groups = %v", parsed["keychain-access-groups"])
	}
}

func TestEntitlementsToDERTopLevel(t *testing.T) {
	der, err := EntitlementsToDER(map[string]interface{}{"get-task-allow": true})
	if err != nil {
		t.Fatalf("EntitlementsToDER: %v", err)
	}

	// APPLICATION 16, constructed
	if der[0] != 0x70 {
		t.Errorf("top-level tag = %#x, want 0x70", der[0])
	}
	// version INTEGER 1 right after the wrapper
	if !bytes.Contains(der[:8], []byte{0x02, 0x01, 0x01}) {
		t.Error("version INTEGER 1 missing")
	}
	// the key rides as a UTF8String
	if !bytes.Contains(der, append([]byte{0x0c, byte(len("get-task-allow"))}, []byte("get-task-allow")...)) {
		t.Error("key not encoded as UTF8String")
	}
	// true is BOOLEAN 0xff
	if !bytes.Contains(der, []byte{0x01, 0x01, 0xff}) {
		t.Error("boolean true not encoded as 01 01 ff")
	}
}

func TestEntitlementsToDERSortsKeys(t *testing.T) {
	der, err := EntitlementsToDER(map[string]interface{}{
		"zzz.last":  "b",
		"aaa.first": "a",
	})
	if err != nil {
		t.Fatalf("EntitlementsToDER: %v", err)
	}

	first := bytes.Index(der, []byte("aaa.first"))
	last := bytes.Index(der, []byte("zzz.last"))
	if first < 0 || last < 0 {
		t.Fatal("keys missing from encoding")
	}
	if first > last {
		t.Error("keys not sorted in DER output")
	}
}

func TestEntitlementsToDERNestedValues(t *testing.T) {
	der, err := EntitlementsToDER(map[string]interface{}{
		"groups": []interface{}{"one", "two"},
		"nested": map[string]interface{}{"inner": int64(7)},
	})
	if err != nil {
		t.Fatalf("EntitlementsToDER: %v", err)
	}

	for _, s := range []string{"one", "two", "inner"} {
		if !bytes.Contains(der, []byte(s)) {
			t.Errorf("%q missing from encoding", s)
		}
	}
	// nested dictionaries reuse the context tag 16
	if bytes.Count(der, []byte{0xb0}) < 1 {
		t.Error("no context-tagged dictionary in encoding")
	}
}

func TestEntitlementsToDERRejectsUnknownTypes(t *testing.T) {
	if _, err := EntitlementsToDER(map[string]interface{}{"bad": 3.14}); err == nil {
		t.Error("expected error for unsupported value type")
	}
}

func TestWrapWithTagLengthForms(t *testing.T) {
	cases := []struct {
		contentLen int
		header     []byte
	}{
		{5, []byte{0x30, 0x05}},
		{200, []byte{0x30, 0x81, 0xc8}},
		{1000, []byte{0x30, 0x82, 0x03, 0xe8}},
	}
	for _, tc := range cases {
		out := wrapWithTag(0x30, make([]byte, tc.contentLen))
		if !bytes.HasPrefix(out, tc.header) {
			t.Errorf("length %d: header = % x, want % x", tc.contentLen, out[:len(tc.header)], tc.header)
		}
		if len(out) != len(tc.header)+tc.contentLen {
			t.Errorf("length %d: total = %d", tc.contentLen, len(out))
		}
	}
}
