package lockbox

// Resolve maps a requested policy and a capability snapshot to the concrete
// protection contract for one entry. It never fails: when the requested policy
// cannot be satisfied it walks the fixed preference order and degrades, ending
// at PolicyNone which always succeeds. It also never upgrades: a policy
// earlier in the candidate list wins even when the device could support a
// stronger tier than the caller asked for.
func Resolve(requested AccessPolicy, caps DeviceCapabilities, strongOnly bool) AccessResolution {
	if !requested.valid() {
		requested = PolicyNone
	}

	for _, candidate := range candidateOrder(requested) {
		if !policySatisfiable(candidate, caps) {
			continue
		}
		return buildResolution(candidate, strongOnly)
	}

	// Unreachable: PolicyNone is always satisfiable.
	return buildResolution(PolicyNone, strongOnly)
}

// candidateOrder returns the requested policy followed by the default
// preference order with duplicates removed.
func candidateOrder(requested AccessPolicy) []AccessPolicy {
	order := make([]AccessPolicy, 0, len(policyPreferenceOrder)+1)
	order = append(order, requested)
	for _, p := range policyPreferenceOrder {
		if p != requested {
			order = append(order, p)
		}
	}
	return order
}

func policySatisfiable(p AccessPolicy, caps DeviceCapabilities) bool {
	switch p {
	case PolicyHardwareIsolatedBiometric:
		return caps.Biometry && caps.HardwareIsolation
	case PolicyBiometricCurrentSet, PolicyBiometricAny:
		return caps.Biometry
	case PolicyDeviceCredential:
		return caps.DeviceCredential
	case PolicyNone:
		return true
	}
	return false
}

func buildResolution(p AccessPolicy, strongOnly bool) AccessResolution {
	var r AccessResolution
	r.Policy = p

	switch p {
	case PolicyHardwareIsolatedBiometric:
		r.Tier = TierHardwareIsolated
		r.RequiresAuthentication = true
		r.UseHardwareIsolation = true
		r.InvalidateOnEnrollmentChange = true
		r.AllowedAuthenticators = biometricMask(strongOnly)
	case PolicyBiometricCurrentSet:
		r.Tier = TierBiometric
		r.RequiresAuthentication = true
		r.InvalidateOnEnrollmentChange = true
		// Current-set binding only makes sense for the strong class.
		r.AllowedAuthenticators = AuthStrongBiometric
	case PolicyBiometricAny:
		r.Tier = TierBiometric
		r.RequiresAuthentication = true
		r.AllowedAuthenticators = biometricMask(strongOnly)
	case PolicyDeviceCredential:
		r.Tier = TierDeviceCredential
		r.RequiresAuthentication = true
		r.AllowedAuthenticators = AuthDeviceCredential
	case PolicyNone:
		r.Tier = TierSoftware
	}

	r.Signature = r.computeSignature()
	return r
}

func biometricMask(strongOnly bool) Authenticators {
	if strongOnly {
		return AuthStrongBiometric
	}
	return AuthStrongBiometric | AuthWeakBiometric
}

// RebuildResolution reconstructs the resolution an envelope was written under
// from its persisted metadata alone. It is pure: no capability probing, no
// policy negotiation, so an entry written on a fully-capable device decrypts
// identically after biometrics are removed or the process restarts.
func RebuildResolution(env *EncryptedEnvelope) AccessResolution {
	r := AccessResolution{
		Policy:                       env.Policy,
		Tier:                         env.Tier,
		RequiresAuthentication:       env.Tier != TierSoftware,
		AllowedAuthenticators:        env.AllowedAuthenticators,
		UseHardwareIsolation:         env.Tier == TierHardwareIsolated,
		InvalidateOnEnrollmentChange: policyInvalidates(env.Policy),
	}
	r.Signature = r.computeSignature()
	return r
}

func policyInvalidates(p AccessPolicy) bool {
	return p == PolicyHardwareIsolatedBiometric || p == PolicyBiometricCurrentSet
}
