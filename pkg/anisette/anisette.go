// Package anisette defines the pluggable provider for Apple's
// device-identity headers. Every authenticated request against GSA or the
// developer services carries these headers; generating them is platform
// specific and lives outside this module, behind the Provider interface.
package anisette

import (
	"fmt"
	"sync"
	"time"
)

// Header names emitted by providers. The GSA client also uses these as keys
// when folding anisette data into the cpd dictionary of a request body.
const (
	HeaderClientTime  = "X-Apple-I-Client-Time"
	HeaderDeviceID    = "X-Mme-Device-Id"
	HeaderOTP         = "X-Apple-I-MD"
	HeaderMachineID   = "X-Apple-I-MD-M"
	HeaderRoutingInfo = "X-Apple-I-MD-RINFO"
	HeaderLocalUserID = "X-Apple-I-MD-LU"
	HeaderSerialNo    = "X-Apple-I-SRL-NO"
	HeaderLocale      = "X-Apple-Locale"
	HeaderTimeZone    = "X-Apple-I-TimeZone"
	HeaderClientInfo  = "X-MMe-Client-Info"
)

// Provider produces the anisette header set for one machine identity.
//
// Headers returns the header map for a request. isDevice includes the
// hardware identifiers (device id, serial number), addLocale includes the
// locale and timezone headers, addClient includes the client-info header.
// NeedsRefresh reports whether the cached identity data is stale; Refresh
// regenerates it. Callers are expected to serialize Refresh themselves, see
// the session types in pkg/gsa and pkg/developer.
type Provider interface {
	Headers(isDevice, addLocale, addClient bool) (map[string]string, error)
	NeedsRefresh() bool
	Refresh() error
}

// Configuration selects where a provider keeps its machine identity files.
type Configuration struct {
	ConfigurationPath string
}

// SetConfigurationPath returns a copy with the path replaced.
func (c Configuration) SetConfigurationPath(path string) Configuration {
	c.ConfigurationPath = path
	return c
}

// Configure is the hook through which the embedding application plugs in a
// concrete anisette generator. It is a variable so platform builds can
// replace it without this package importing them.
var Configure = func(cfg Configuration) (Provider, error) {
	return nil, fmt.Errorf("anisette: no provider configured for %q", cfg.ConfigurationPath)
}

// StaticProvider serves a fixed header map. It backs tests and setups where
// anisette data was fetched ahead of time.
type StaticProvider struct {
	mu       sync.Mutex
	headers  map[string]string
	fetched  time.Time
	lifetime time.Duration
}

// NewStaticProvider wraps a pre-fetched header map. lifetime of zero means
// the data never goes stale.
func NewStaticProvider(headers map[string]string, lifetime time.Duration) *StaticProvider {
	return &StaticProvider{
		headers:  headers,
		fetched:  time.Now(),
		lifetime: lifetime,
	}
}

func (p *StaticProvider) Headers(isDevice, addLocale, addClient bool) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := map[string]string{
		HeaderClientTime: time.Now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	for k, v := range p.headers {
		switch k {
		case HeaderDeviceID, HeaderSerialNo:
			if !isDevice {
				continue
			}
		case HeaderLocale, HeaderTimeZone:
			if !addLocale {
				continue
			}
		case HeaderClientInfo:
			if !addClient {
				continue
			}
		}
		out[k] = v
	}
	return out, nil
}

func (p *StaticProvider) NeedsRefresh() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lifetime == 0 {
		return false
	}
	return time.Since(p.fetched) > p.lifetime
}

// Refresh re-stamps the fetch time. Static data cannot actually be
// regenerated, so a stale static provider keeps serving what it has.
func (p *StaticProvider) Refresh() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetched = time.Now()
	return nil
}
