package gsa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"howett.net/plist"

	"github.com/khcrysalis/PlumeImpactor/pkg/anisette"
)

func testProvider() anisette.Provider {
	return anisette.NewStaticProvider(map[string]string{
		anisette.HeaderOTP:         "AAAABBBB",
		anisette.HeaderMachineID:   "CCCCDDDD",
		anisette.HeaderRoutingInfo: "17106176",
		anisette.HeaderDeviceID:    "11111111-2222-3333-4444-555555555555",
		anisette.HeaderSerialNo:    "C02TESTSERIAL",
		anisette.HeaderLocale:      "en_US",
		anisette.HeaderTimeZone:    "UTC",
		anisette.HeaderClientInfo:  "<MacBookPro18,3> <Mac OS X;13.1;22C65> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>",
	}, 0)
}

func encryptSPD(t *testing.T, payload map[string]interface{}, sessionKey []byte) []byte {
	t.Helper()

	raw, err := plist.Marshal(payload, plist.XMLFormat)
	if err != nil {
		t.Fatalf("marshal spd: %v", err)
	}

	block, _ := aes.NewCipher(deriveKey("extra data key:", sessionKey))
	iv := deriveKey("extra data iv:", sessionKey)[:aes.BlockSize]

	padLen := block.BlockSize() - len(raw)%block.BlockSize()
	padded := append(raw, bytes.Repeat([]byte{byte(padLen)}, padLen)...)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestDecryptSPDRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	spd := encryptSPD(t, map[string]interface{}{"adsid": "000123-05-test"}, key)

	raw, err := decryptSPD(spd, key)
	if err != nil {
		t.Fatalf("decryptSPD: %v", err)
	}
	var decoded struct {
		ADSID string `plist:"adsid"`
	}
	if _, err := plist.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ADSID != "000123-05-test" {
		t.Errorf("adsid = %q", decoded.ADSID)
	}
}

func TestDecryptSPDRejectsGarbage(t *testing.T) {
	if _, err := decryptSPD([]byte{1, 2, 3}, bytes.Repeat([]byte{1}, 32)); err == nil {
		t.Errorf("expected error for unaligned ciphertext")
	}
}

func TestDecryptGCMRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x17}, 32)
	plaintext := []byte("token payload")

	block, _ := aes.NewCipher(key)
	gcm, _ := cipher.NewGCMWithNonceSize(block, 16)
	nonce := make([]byte, 16)
	io.ReadFull(rand.Reader, nonce)

	blob := append([]byte("XYZ"), nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, []byte("XYZ"))

	got, err := decryptGCM(key, blob)
	if err != nil {
		t.Fatalf("decryptGCM: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}

	if _, err := decryptGCM(key, append([]byte("ABC"), blob[3:]...)); err == nil {
		t.Errorf("expected error for unknown blob version")
	}
}

func TestAppTokensChecksumDeterministic(t *testing.T) {
	key := []byte("session key")
	a := appTokensChecksum(key, "adsid", []string{XcodeAppID})
	b := appTokensChecksum(key, "adsid", []string{XcodeAppID})
	if !bytes.Equal(a, b) {
		t.Errorf("checksum must be deterministic")
	}
	c := appTokensChecksum(key, "other", []string{XcodeAppID})
	if bytes.Equal(a, c) {
		t.Errorf("checksum must depend on adsid")
	}
}

// gsaTestServer speaks just enough of the Grand Slam wire protocol for one
// SRP transcript against a fixed password.
func gsaTestServer(t *testing.T, password string, failResultCode int) *httptest.Server {
	t.Helper()

	env := newSRPClient() // only for group parameters
	salt := bytes.Repeat([]byte{0xab}, 16)
	const iterations = 20309
	passkey := hashPassword(password, salt, iterations, false)

	x := hashInt(salt, hashBytes([]byte(":"), passkey))
	v := big.NewInt(0).Exp(env.g, x, env.N)
	b := randBigInt(env.n * 8)
	B := big.NewInt(0).Mul(env.k, v)
	B.Add(B, big.NewInt(0).Exp(env.g, b, env.N))
	B.Mod(B, env.N)

	var clientA *big.Int

	respond := func(w http.ResponseWriter, response map[string]interface{}) {
		if _, ok := response["Status"]; !ok {
			response["Status"] = map[string]interface{}{"ec": 0, "em": ""}
		}
		raw, err := plist.Marshal(map[string]interface{}{"Response": response}, plist.XMLFormat)
		if err != nil {
			t.Fatalf("marshal response: %v", err)
		}
		w.Write(raw)
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var envelope struct {
			Request map[string]interface{} `plist:"Request"`
		}
		if _, err := plist.Unmarshal(body, &envelope); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}

		if failResultCode != 0 {
			respond(w, map[string]interface{}{
				"Status": map[string]interface{}{"ec": failResultCode, "em": "Your account information was entered incorrectly."},
			})
			return
		}

		switch envelope.Request["o"] {
		case "init":
			a2k, _ := envelope.Request["A2k"].([]byte)
			clientA = big.NewInt(0).SetBytes(a2k)
			respond(w, map[string]interface{}{
				"i": iterations,
				"s": salt,
				"sp": "s2k",
				"B": B.Bytes(),
				"c": "srp-cookie",
			})
		case "complete":
			u := hashInt(pad(clientA, env.n), pad(B, env.n))
			S := big.NewInt(0).Mul(clientA, big.NewInt(0).Exp(v, u, env.N))
			S.Exp(S, b, env.N)
			K := hashBytes(S.Bytes())

			m1, _ := envelope.Request["M1"].([]byte)
			wantM1 := hashBytes(
				xorBytes(hashBytes(env.N.Bytes()), hashBytes(pad(env.g, env.n))),
				hashBytes([]byte("user@example.com")),
				salt, clientA.Bytes(), B.Bytes(), K)
			if !bytes.Equal(m1, wantM1) {
				respond(w, map[string]interface{}{
					"Status": map[string]interface{}{"ec": -22406, "em": "password mismatch"},
				})
				return
			}

			spd := encryptSPD(t, map[string]interface{}{
				"adsid":       "000123-05-abcdef",
				"GsIdmsToken": "idms-token",
				"acname":      "user@example.com",
				"fn":          "Ada",
				"ln":          "Lovelace",
				"sk":          bytes.Repeat([]byte{0x33}, 32),
				"c":           []byte("spd-cookie"),
			}, K)
			respond(w, map[string]interface{}{
				"M2":  hashBytes(clientA.Bytes(), m1, K),
				"spd": spd,
			})
		default:
			t.Fatalf("unexpected operation %v", envelope.Request["o"])
		}
	}))
}

func TestAuthenticateTranscript(t *testing.T) {
	srv := gsaTestServer(t, "correct horse", 0)
	defer srv.Close()

	account := &Account{
		client:   &http.Client{Timeout: 5 * time.Second},
		provider: testProvider(),
		endpoint: srv.URL,
	}

	status, err := account.authenticate("user@example.com", "correct horse")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if status.AuthRequired != "" {
		t.Errorf("unexpected secondary auth %q", status.AuthRequired)
	}
	if account.ADSID() != "000123-05-abcdef" {
		t.Errorf("adsid = %q", account.ADSID())
	}
	first, last := account.Name()
	if first != "Ada" || last != "Lovelace" {
		t.Errorf("name = %q %q", first, last)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	srv := gsaTestServer(t, "correct horse", 0)
	defer srv.Close()

	account := &Account{
		client:   &http.Client{Timeout: 5 * time.Second},
		provider: testProvider(),
		endpoint: srv.URL,
	}

	_, err := account.authenticate("user@example.com", "battery staple")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Code != -22406 {
		t.Errorf("code = %d", authErr.Code)
	}
}

func TestAuthenticateServerError(t *testing.T) {
	srv := gsaTestServer(t, "pw", -20101)
	defer srv.Close()

	account := &Account{
		client:   &http.Client{Timeout: 5 * time.Second},
		provider: testProvider(),
		endpoint: srv.URL,
	}

	_, err := account.authenticate("user@example.com", "pw")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if authErr.Code != -20101 {
		t.Errorf("code = %d", authErr.Code)
	}
}
