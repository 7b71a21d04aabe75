// Package identity obtains and caches the development signing certificate
// for a team. The private key lives under the configuration directory and is
// reused across runs; the certificate itself is recovered from the portal by
// matching the machine name and public key, or minted fresh via a CSR.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/google/uuid"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/khcrysalis/PlumeImpactor/pkg/codesign"
	"github.com/khcrysalis/PlumeImpactor/pkg/developer"
)

// DefaultMachineName labels certificates created by this tool on the portal.
const DefaultMachineName = "PlumeImpactor"

// quota error returned by submitDevelopmentCSR when the team already holds
// its maximum number of development certificates
const codeCertQuotaReached = 7460

// CertificateIdentity pairs a development certificate with its private key.
// Either half may be missing after a partial PEM load; Complete reports
// whether the identity can sign.
type CertificateIdentity struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// NewWithPaths assembles an identity from PEM files. CERTIFICATE, PRIVATE
// KEY and RSA PRIVATE KEY blocks are accepted in any order and across files;
// other block types are skipped with a warning.
func NewWithPaths(paths ...string) (*CertificateIdentity, error) {
	ci := &CertificateIdentity{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := ci.resolvePEM(data); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return ci, nil
}

// NewWithP12 assembles an identity from PKCS#12 data.
func NewWithP12(p12Data []byte, password string) (*CertificateIdentity, error) {
	privateKey, cert, _, err := gopkcs12.DecodeChain(p12Data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode P12: %w", err)
	}
	rsaKey, ok := privateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("P12 holds a %T key, expected RSA", privateKey)
	}
	return &CertificateIdentity{Certificate: cert, PrivateKey: rsaKey}, nil
}

// NewWithSession resolves the team's development identity against the
// portal. The private key is cached at <configDir>/keys/<teamID>/key.pem; if
// a portal certificate already matches the cached key and machine name it is
// reused, otherwise a new certificate is requested.
func NewWithSession(session *developer.Session, teamID, configDir, machineName string) (*CertificateIdentity, error) {
	if machineName == "" {
		machineName = DefaultMachineName
	}

	keyDir := filepath.Join(configDir, "keys", teamID)
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	keyPath := filepath.Join(keyDir, "key.pem")

	certs, err := session.ListDevelopmentCerts(teamID)
	if err != nil {
		return nil, err
	}

	if keyData, err := os.ReadFile(keyPath); err == nil {
		privateKey, err := parsePrivateKeyPEM(keyData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cached key: %w", err)
		}
		if cert := findCertificate(certs, privateKey, machineName); cert != nil {
			parsed, err := x509.ParseCertificate(cert.CertContent)
			if err != nil {
				return nil, fmt.Errorf("failed to parse portal certificate: %w", err)
			}
			log.WithField("certificateId", cert.CertificateID).Debug("reusing development certificate")
			return &CertificateIdentity{Certificate: parsed, PrivateKey: privateKey}, nil
		}
	}

	cert, privateKey, err := requestNewCertificate(session, teamID, machineName, certs)
	if err != nil {
		return nil, err
	}
	if err := writePrivateKeyPEM(keyPath, privateKey); err != nil {
		return nil, err
	}

	parsed, err := x509.ParseCertificate(cert.CertContent)
	if err != nil {
		return nil, fmt.Errorf("failed to parse portal certificate: %w", err)
	}
	return &CertificateIdentity{Certificate: parsed, PrivateKey: privateKey}, nil
}

// Complete reports whether both halves of the identity are present.
func (ci *CertificateIdentity) Complete() bool {
	return ci.Certificate != nil && ci.PrivateKey != nil
}

// SigningIdentity converts into the form the signing core consumes, with the
// Apple CA chain attached.
func (ci *CertificateIdentity) SigningIdentity() (*codesign.SigningIdentity, error) {
	if !ci.Complete() {
		return nil, fmt.Errorf("identity is missing its certificate or private key")
	}
	return codesign.NewSigningIdentity(ci.Certificate, ci.PrivateKey)
}

// P12 exports the identity as password-protected PKCS#12 data.
func (ci *CertificateIdentity) P12(password string) ([]byte, error) {
	if !ci.Complete() {
		return nil, fmt.Errorf("identity is missing its certificate or private key")
	}
	data, err := gopkcs12.Modern.Encode(ci.PrivateKey, ci.Certificate, nil, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode P12: %w", err)
	}
	return data, nil
}

// PEM renders the identity as a certificate block followed by a PKCS#8
// private key block.
func (ci *CertificateIdentity) PEM() ([]byte, error) {
	if !ci.Complete() {
		return nil, fmt.Errorf("identity is missing its certificate or private key")
	}
	var out strings.Builder
	out.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ci.Certificate.Raw}))
	keyDER, err := x509.MarshalPKCS8PrivateKey(ci.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	out.Write(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))
	return []byte(out.String()), nil
}

func (ci *CertificateIdentity) resolvePEM(data []byte) error {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse certificate: %w", err)
			}
			ci.Certificate = cert
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse private key: %w", err)
			}
			rsaKey, ok := key.(*rsa.PrivateKey)
			if !ok {
				return fmt.Errorf("PEM holds a %T key, expected RSA", key)
			}
			ci.PrivateKey = rsaKey
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse private key: %w", err)
			}
			ci.PrivateKey = key
		default:
			log.Warnf("ignoring PEM block with tag %q", block.Type)
		}
	}
}

// findCertificate locates a portal certificate created by this machine whose
// public key matches the cached private key.
func findCertificate(certs []developer.Certificate, privateKey *rsa.PrivateKey, machineName string) *developer.Certificate {
	for i := range certs {
		if certs[i].MachineName != machineName {
			continue
		}
		parsed, err := x509.ParseCertificate(certs[i].CertContent)
		if err != nil {
			continue
		}
		pub, ok := parsed.PublicKey.(*rsa.PublicKey)
		if !ok {
			continue
		}
		if pub.N.Cmp(privateKey.N) == 0 && pub.E == privateKey.E {
			return &certs[i]
		}
	}
	return nil
}

// requestNewCertificate generates a fresh key pair and asks the portal to
// issue a certificate for it. When the team's certificate quota is reached,
// the certificates listed before the attempt are revoked and the submission
// is retried once.
func requestNewCertificate(session *developer.Session, teamID, machineName string, existing []developer.Certificate) (*developer.Certificate, *rsa.PrivateKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	csrPEM, err := buildCSR(privateKey, machineName)
	if err != nil {
		return nil, nil, err
	}

	machineID := strings.ToUpper(uuid.NewString())

	retried := false
	var certRequest *developer.CertRequest
	for {
		certRequest, err = session.SubmitDevelopmentCSR(teamID, csrPEM, machineID, machineName)
		if err == nil {
			break
		}
		if !developer.IsCode(err, codeCertQuotaReached) || retried {
			return nil, nil, err
		}

		log.Warn("certificate quota reached, revoking existing development certificates")
		revokedAny := false
		for i := range existing {
			if revokeErr := session.RevokeDevelopmentCert(teamID, existing[i].SerialNumber); revokeErr == nil {
				revokedAny = true
			} else {
				log.WithError(revokeErr).WithField("serial", existing[i].SerialNumber).Warn("failed to revoke certificate")
			}
		}
		if !revokedAny {
			return nil, nil, fmt.Errorf("certificate quota reached and no certificate could be revoked")
		}
		retried = true
	}

	certs, err := session.ListDevelopmentCerts(teamID)
	if err != nil {
		return nil, nil, err
	}
	for i := range certs {
		if certs[i].CertificateID == certRequest.CertificateID {
			return &certs[i], privateKey, nil
		}
	}
	return nil, nil, fmt.Errorf("newly issued certificate %s not found on the portal", certRequest.CertificateID)
}

func buildCSR(privateKey *rsa.PrivateKey, machineName string) (string, error) {
	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			Country:  []string{"US"},
			Province: []string{"STATE"},
			Locality: []string{"LOCAL"},
			// spelled this way on the wire since the first release
			Organization: []string{"ORGNIZATION"},
			CommonName:   machineName,
		},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to create CSR: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})), nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("cached key is %T, expected RSA", key)
		}
		return rsaKey, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unexpected PEM tag %q", block.Type)
	}
}

func writePrivateKeyPEM(path string, key *rsa.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key cache: %w", err)
	}
	return nil
}
