package lockbox

import "sync"

// CapabilityProbe queries the keystore and authenticator collaborators once
// and caches the answer for the life of the process. The cache is read-mostly;
// Refresh recomputes it on demand. A stale snapshot only affects which tier
// new writes resolve to, never the authenticity of existing ciphertext.
type CapabilityProbe struct {
	keys KeyStore
	auth Authenticator

	mu     sync.RWMutex
	cached *DeviceCapabilities
}

func NewCapabilityProbe(keys KeyStore, auth Authenticator) *CapabilityProbe {
	return &CapabilityProbe{keys: keys, auth: auth}
}

// Capabilities returns the cached snapshot, probing on first use.
func (p *CapabilityProbe) Capabilities() DeviceCapabilities {
	p.mu.RLock()
	if p.cached != nil {
		caps := *p.cached
		p.mu.RUnlock()
		return caps
	}
	p.mu.RUnlock()

	return p.Refresh()
}

// Refresh invalidates the cache and probes the collaborators again.
func (p *CapabilityProbe) Refresh() DeviceCapabilities {
	caps := DeviceCapabilities{
		HardwareIsolation: p.keys.HardwareIsolationAvailable(),
		Biometry:          p.auth.BiometryAvailable(),
		DeviceCredential:  p.auth.DeviceCredentialAvailable(),
	}

	p.mu.Lock()
	p.cached = &caps
	p.mu.Unlock()
	return caps
}
