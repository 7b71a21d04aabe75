// Package gsa implements SRP-6a login against Apple's Grand Slam
// authentication service and the app-token exchange that follows it.
// A successful login yields an Account holding the decrypted
// server-provided data (SPD), from which per-application tokens such as
// the Xcode developer-services token are requested on demand.
package gsa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"howett.net/plist"

	"github.com/khcrysalis/PlumeImpactor/pkg/anisette"
)

const (
	gsaEndpoint          = "https://gsa.apple.com/grandslam/GsService2"
	gsaValidateEndpoint  = "https://gsa.apple.com/grandslam/GsService2/validate"
	trustedDeviceTrigger = "https://gsa.apple.com/auth/verify/trusteddevice"

	// XcodeAppID is the token application identifier for the developer
	// services.
	XcodeAppID = "com.apple.gs.xcode.auth"

	protocolVersion = "1.0.1"
	userAgent       = "akd/1.0 CFNetwork/978.0.7 Darwin/18.7.0"
)

// Status codes the login flow dispatches on.
const (
	codeBadVerification = -21669

	auTrustedDevice = "trustedDeviceSecondaryAuth"
	auSecondaryAuth = "secondaryAuth"
)

// AuthError is a non-zero result from the Grand Slam service.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("gsa: server returned %d: %s", e.Code, e.Message)
}

// ErrExtraStep is returned when the account requires an interaction that
// cannot be completed here, such as accepting new terms on the web.
var ErrExtraStep = errors.New("gsa: account requires an extra sign-in step, log in at appleid.apple.com first")

// ErrBadVerificationCode is returned when a submitted 2FA code is rejected.
var ErrBadVerificationCode = errors.New("gsa: incorrect verification code")

// CredentialsProvider supplies the Apple ID username and password. It is
// called exactly once per login attempt.
type CredentialsProvider func() (username, password string, err error)

// TwoFactorProvider supplies a 2FA verification code. It is invoked lazily,
// only when the server demands a second factor.
type TwoFactorProvider func() (string, error)

// Account is an authenticated Grand Slam session. It is created by Login
// and consumed to derive app tokens; it is not persisted directly.
type Account struct {
	client   *http.Client
	provider anisette.Provider
	endpoint string

	// guards provider refresh so only one is in flight
	mu sync.Mutex

	username string
	spd      personalData
	rawSPD   map[string]interface{}
}

// personalData is the decrypted SPD dictionary from a completed login.
type personalData struct {
	ADSID       string `plist:"adsid"`
	GsIdmsToken string `plist:"GsIdmsToken"`
	SessionKey  []byte `plist:"sk"`
	Cookie      []byte `plist:"c"`
	AccountName string `plist:"acname"`
	FirstName   string `plist:"fn"`
	LastName    string `plist:"ln"`
}

// AppToken is one decrypted per-application token.
type AppToken struct {
	Token    string `plist:"token"`
	Expiry   uint64 `plist:"expiry"`
	Duration uint64 `plist:"duration"`
}

type gsaStatus struct {
	ErrorCode    int    `plist:"ec"`
	ErrorMessage string `plist:"em"`
	ErrorDetail  string `plist:"ed"`
	AuthRequired string `plist:"au"`
}

type initResponse struct {
	Iteration int    `plist:"i"`
	Salt      []byte `plist:"s"`
	Protocol  string `plist:"sp"`
	B         []byte `plist:"B"`
	Cookie    string `plist:"c"`
}

type completeResponse struct {
	M2  []byte `plist:"M2"`
	SPD []byte `plist:"spd"`
}

type appTokensResponse struct {
	EncryptedToken []byte `plist:"et"`
}

// Login authenticates against Grand Slam. credentials is called once for the
// username/password pair; twoFactor is called only if the server demands a
// second factor, after which the SRP exchange is re-run with the now-trusted
// anisette identity.
func Login(credentials CredentialsProvider, twoFactor TwoFactorProvider, cfg anisette.Configuration) (*Account, error) {
	provider, err := anisette.Configure(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure anisette: %w", err)
	}

	username, password, err := credentials()
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	account := &Account{
		client:   &http.Client{Timeout: 30 * time.Second},
		provider: provider,
		endpoint: gsaEndpoint,
		username: username,
	}

	status, err := account.authenticate(username, password)
	if err != nil {
		return nil, err
	}

	switch status.AuthRequired {
	case "":
		return account, nil
	case auTrustedDevice:
		log.Info("two-factor authentication required")
		if err := account.requestTrustedDeviceCode(); err != nil {
			return nil, err
		}
		code, err := twoFactor()
		if err != nil {
			return nil, fmt.Errorf("two-factor code: %w", err)
		}
		if err := account.verifyTrustedDeviceCode(code); err != nil {
			return nil, err
		}
		// the second exchange returns tokens scoped to the now-trusted
		// session
		if _, err := account.authenticate(username, password); err != nil {
			return nil, err
		}
		return account, nil
	case auSecondaryAuth:
		return nil, ErrExtraStep
	default:
		return nil, &AuthError{Message: fmt.Sprintf("unsupported secondary auth %q", status.AuthRequired)}
	}
}

// authenticate runs the three-round SRP exchange and stores the decrypted
// SPD on the account.
func (a *Account) authenticate(username, password string) (*gsaStatus, error) {
	srp := newSRPClient()

	cpd, err := a.clientProvidedData()
	if err != nil {
		return nil, err
	}

	initDict, _, err := a.post(map[string]interface{}{
		"A2k": srp.A(),
		"cpd": cpd,
		"o":   "init",
		"ps":  []string{"s2k", "s2k_fo"},
		"u":   username,
	})
	if err != nil {
		return nil, err
	}
	init, err := decodeResponse[initResponse](initDict)
	if err != nil {
		return nil, err
	}

	passkey := hashPassword(password, init.Salt, init.Iteration, init.Protocol == "s2k_fo")
	if err := srp.processChallenge(username, passkey, init.Salt, init.B); err != nil {
		return nil, err
	}

	completeDict, status, err := a.post(map[string]interface{}{
		"M1":  srp.m1,
		"c":   init.Cookie,
		"cpd": cpd,
		"o":   "complete",
		"u":   username,
	})
	if err != nil {
		return nil, err
	}
	complete, err := decodeResponse[completeResponse](completeDict)
	if err != nil {
		return nil, err
	}

	if !srp.verifyServerProof(complete.M2) {
		return nil, fmt.Errorf("gsa: server proof M2 verification failed")
	}

	if len(complete.SPD) > 0 {
		raw, err := decryptSPD(complete.SPD, srp.sessionKey)
		if err != nil {
			return nil, err
		}
		if _, err := plist.Unmarshal(raw, &a.rawSPD); err != nil {
			return nil, fmt.Errorf("parse spd: %w", err)
		}
		if _, err := plist.Unmarshal(raw, &a.spd); err != nil {
			return nil, fmt.Errorf("parse spd: %w", err)
		}
	}

	log.WithField("adsid", a.spd.ADSID).Debug("gsa authentication complete")
	return status, nil
}

// AppTokens exchanges the session for per-application tokens, keyed by the
// requested application identifiers.
func (a *Account) AppTokens(appIDs ...string) (map[string]AppToken, error) {
	if len(a.spd.SessionKey) == 0 {
		return nil, fmt.Errorf("gsa: no session key, login first")
	}

	cpd, err := a.clientProvidedData()
	if err != nil {
		return nil, err
	}

	respDict, _, err := a.post(map[string]interface{}{
		"app":      appIDs,
		"c":        a.spd.Cookie,
		"checksum": appTokensChecksum(a.spd.SessionKey, a.spd.ADSID, appIDs),
		"cpd":      cpd,
		"o":        "apptokens",
		"t":        a.spd.GsIdmsToken,
		"u":        a.spd.ADSID,
	})
	if err != nil {
		return nil, err
	}
	resp, err := decodeResponse[appTokensResponse](respDict)
	if err != nil {
		return nil, err
	}

	raw, err := decryptGCM(a.spd.SessionKey, resp.EncryptedToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt app tokens: %w", err)
	}

	var decrypted struct {
		TokenBundles map[string]AppToken `plist:"t"`
	}
	if _, err := plist.Unmarshal(raw, &decrypted); err != nil {
		return nil, fmt.Errorf("parse app tokens: %w", err)
	}
	return decrypted.TokenBundles, nil
}

// XcodeToken requests the developer-services token for this account.
func (a *Account) XcodeToken() (*AppToken, error) {
	tokens, err := a.AppTokens(XcodeAppID)
	if err != nil {
		return nil, err
	}
	token, ok := tokens[XcodeAppID]
	if !ok {
		return nil, fmt.Errorf("gsa: server returned no token for %s", XcodeAppID)
	}
	return &token, nil
}

// ADSID returns the account's directory-services identifier.
func (a *Account) ADSID() string { return a.spd.ADSID }

// Username returns the Apple ID used to log in.
func (a *Account) Username() string { return a.username }

// Name returns the account holder's first and last name from the SPD.
func (a *Account) Name() (first, last string) {
	return a.spd.FirstName, a.spd.LastName
}

// PersonalData returns the raw decrypted SPD dictionary.
func (a *Account) PersonalData() map[string]interface{} { return a.rawSPD }

func (a *Account) anisetteHeaders(isDevice, addLocale, addClient bool) (map[string]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.provider.NeedsRefresh() {
		if err := a.provider.Refresh(); err != nil {
			return nil, fmt.Errorf("refresh anisette: %w", err)
		}
	}
	return a.provider.Headers(isDevice, addLocale, addClient)
}

// clientProvidedData builds the cpd dictionary: fixed negotiation flags plus
// the anisette identity folded in under its header names.
func (a *Account) clientProvidedData() (map[string]interface{}, error) {
	headers, err := a.anisetteHeaders(true, true, false)
	if err != nil {
		return nil, err
	}
	cpd := map[string]interface{}{
		"bootstrap": true,
		"icscrec":   true,
		"pbe":       false,
		"prkgen":    true,
		"svct":      "iCloud",
	}
	for k, v := range headers {
		cpd[k] = v
	}
	return cpd, nil
}

// post sends one Grand Slam request and returns the Response dictionary
// along with its decoded Status. A non-zero ec is returned as *AuthError.
func (a *Account) post(request map[string]interface{}) (map[string]interface{}, *gsaStatus, error) {
	envelope := map[string]interface{}{
		"Header":  map[string]string{"Version": protocolVersion},
		"Request": request,
	}
	body, err := plist.MarshalIndent(envelope, plist.XMLFormat, "\t")
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("User-Agent", userAgent)
	clientHeaders, err := a.anisetteHeaders(false, false, true)
	if err != nil {
		return nil, nil, err
	}
	if info, ok := clientHeaders[anisette.HeaderClientInfo]; ok {
		req.Header.Set(anisette.HeaderClientInfo, info)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("gsa request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("gsa response: %w", err)
	}

	var outer struct {
		Response map[string]interface{} `plist:"Response"`
	}
	if _, err := plist.Unmarshal(raw, &outer); err != nil {
		return nil, nil, fmt.Errorf("parse gsa response: %w", err)
	}
	if outer.Response == nil {
		return nil, nil, fmt.Errorf("gsa response missing Response dictionary")
	}

	statusDict, _ := outer.Response["Status"].(map[string]interface{})
	status, err := decodeResponse[gsaStatus](statusDict)
	if err != nil {
		return nil, nil, err
	}
	if status.ErrorCode != 0 {
		return nil, status, &AuthError{Code: status.ErrorCode, Message: status.ErrorMessage}
	}
	return outer.Response, status, nil
}

// requestTrustedDeviceCode asks Apple to push a verification code to the
// account's trusted devices.
func (a *Account) requestTrustedDeviceCode() error {
	req, err := http.NewRequest(http.MethodGet, trustedDeviceTrigger, nil)
	if err != nil {
		return err
	}
	if err := a.setTwoFactorHeaders(req); err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request trusted device code: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// verifyTrustedDeviceCode submits the user's code against the validate
// endpoint.
func (a *Account) verifyTrustedDeviceCode(code string) error {
	req, err := http.NewRequest(http.MethodGet, gsaValidateEndpoint, nil)
	if err != nil {
		return err
	}
	if err := a.setTwoFactorHeaders(req); err != nil {
		return err
	}
	req.Header.Set("security-code", code)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("verify code: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var status gsaStatus
	if _, err := plist.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("parse validate response: %w", err)
	}
	switch status.ErrorCode {
	case 0:
		return nil
	case codeBadVerification:
		return ErrBadVerificationCode
	default:
		return &AuthError{Code: status.ErrorCode, Message: status.ErrorMessage}
	}
}

func (a *Account) setTwoFactorHeaders(req *http.Request) error {
	headers, err := a.anisetteHeaders(true, true, true)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "text/x-xml-plist")
	req.Header.Set("Accept-Language", "en-us")
	req.Header.Set("User-Agent", "Xcode")
	identity := base64.StdEncoding.EncodeToString([]byte(a.spd.ADSID + ":" + a.spd.GsIdmsToken))
	req.Header.Set("X-Apple-Identity-Token", identity)
	return nil
}

// decodeResponse re-marshals a plist dictionary and unmarshals it into a
// typed struct, so the typed layer stays declarative.
func decodeResponse[T any](dict map[string]interface{}) (*T, error) {
	target := new(T)
	if dict == nil {
		return target, nil
	}
	raw, err := plist.Marshal(dict, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("marshal response dictionary: %w", err)
	}
	if _, err := plist.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode response dictionary: %w", err)
	}
	return target, nil
}

// decryptSPD decrypts the server-provided data with AES-CBC; key and IV are
// derived from the SRP session key via HMAC-SHA256.
func decryptSPD(spd, sessionKey []byte) ([]byte, error) {
	key := deriveKey("extra data key:", sessionKey)
	iv := deriveKey("extra data iv:", sessionKey)[:aes.BlockSize]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(spd)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("spd length %d is not block aligned", len(spd))
	}
	plaintext := make([]byte, len(spd))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, spd)
	return pkcs7Unpad(plaintext, block.BlockSize())
}

func deriveKey(name string, sessionKey []byte) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(name))
	return mac.Sum(nil)
}

func appTokensChecksum(sessionKey []byte, adsid string, appIDs []string) []byte {
	var buf bytes.Buffer
	buf.WriteString("apptokens")
	buf.WriteString(adsid)
	for _, app := range appIDs {
		buf.WriteString(app)
	}
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write(buf.Bytes())
	return mac.Sum(nil)
}

// decryptGCM decrypts a versioned app-token blob: a 3-byte "XYZ" header,
// a 16-byte nonce, then the AES-GCM ciphertext with the header as
// additional data.
func decryptGCM(sessionKey, blob []byte) ([]byte, error) {
	if len(blob) < 3+16 {
		return nil, fmt.Errorf("token blob too short")
	}
	if !bytes.Equal(blob[:3], []byte("XYZ")) {
		return nil, fmt.Errorf("unexpected token blob version %q", blob[:3])
	}

	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, 16)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, blob[3:19], blob[19:], blob[:3])
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
