package codesign

import (
	"encoding/asn1"
	"fmt"
	"sort"

	"howett.net/plist"
)

// EntitlementsToXML renders an entitlements map as an XML plist.
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// ParseEntitlementsXML parses an XML plist of entitlements into a map.
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// EntitlementsToDER encodes entitlements in Apple's DER plist form, carried
// next to the XML blob in the signature. The encoding is:
//
//	top level:  APPLICATION 16 { INTEGER 1, dict }
//	dictionary: [16] { SEQUENCE { UTF8String key, value }... }
//	array:      SEQUENCE { value... }
//	bool/int:   plain ASN.1 BOOLEAN / INTEGER
//	string:     UTF8String
func EntitlementsToDER(entitlements map[string]interface{}) ([]byte, error) {
	dictContent, err := encodeDERDict(entitlements)
	if err != nil {
		return nil, err
	}

	versionBytes, err := asn1.Marshal(1)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version: %w", err)
	}

	// 0x70 = Application class, constructed, tag 16
	return wrapWithTag(0x70, append(versionBytes, dictContent...)), nil
}

// encodeDERDict emits the key-value SEQUENCEs directly inside the context
// tag. Keys are sorted so the output is deterministic; Apple's encoding has
// no outer SEQUENCE around the pairs.
func encodeDERDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairsContent []byte
	for _, key := range keys {
		valueBytes, err := encodeDERValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		}
		pairContent := append(encodeUTF8String(key), valueBytes...)
		pairsContent = append(pairsContent, wrapWithTag(0x30, pairContent)...)
	}

	// 0xB0 = context class, constructed, tag 16
	return wrapWithTag(0xB0, pairsContent), nil
}

// Apple uses UTF8String (tag 0x0C) for keys and string values, not
// PrintableString.
func encodeUTF8String(s string) []byte {
	return wrapWithTag(0x0C, []byte(s))
}

func encodeDERValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return encodeUTF8String(val), nil
	case int:
		return asn1.Marshal(val)
	case int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case []interface{}:
		var content []byte
		for _, item := range val {
			itemBytes, err := encodeDERValue(item)
			if err != nil {
				return nil, err
			}
			content = append(content, itemBytes...)
		}
		return wrapWithTag(0x30, content), nil
	case map[string]interface{}:
		return encodeDERDict(val)
	default:
		return nil, fmt.Errorf("unsupported plist type: %T", v)
	}
}

// wrapWithTag prefixes content with a DER tag and definite length.
func wrapWithTag(tag byte, content []byte) []byte {
	length := len(content)
	switch {
	case length < 128:
		out := make([]byte, 2+length)
		out[0] = tag
		out[1] = byte(length)
		copy(out[2:], content)
		return out
	case length < 256:
		out := make([]byte, 3+length)
		out[0] = tag
		out[1] = 0x81
		out[2] = byte(length)
		copy(out[3:], content)
		return out
	case length < 65536:
		out := make([]byte, 4+length)
		out[0] = tag
		out[1] = 0x82
		out[2] = byte(length >> 8)
		out[3] = byte(length)
		copy(out[4:], content)
		return out
	default:
		out := make([]byte, 5+length)
		out[0] = tag
		out[1] = 0x83
		out[2] = byte(length >> 16)
		out[3] = byte(length >> 8)
		out[4] = byte(length)
		copy(out[5:], content)
		return out
	}
}
