package gateway

// ResolvedTarget is one (ECU, addressing mode) pair produced by Resolve.
type ResolvedTarget struct {
	ECU  *ECU
	Mode AddressMode
}

// NRC is a UDS negative response code.
type NRC byte

// Negative response codes the gateway may hand back when C4 can't resolve
// or authorize a request (spec.md 4.4/7).
const (
	NRCRequestOutOfRange   NRC = 0x31
	NRCSecurityAccessDenied NRC = 0x33
	NRCServiceNotSupported NRC = 0x11
)

// Resolve implements spec.md 4.4: a physical match wins outright; otherwise
// every ECU sharing the functional group address fans out, in declaration
// order. Returns an empty slice when nothing matches target.
func Resolve(gw *Gateway, target uint16) []ResolvedTarget {
	if ecu, ok := gw.ECUByTarget(target); ok {
		return []ResolvedTarget{{ECU: ecu, Mode: Physical}}
	}
	group := gw.ECUsByFunctional(target)
	if len(group) == 0 {
		return nil
	}
	out := make([]ResolvedTarget, len(group))
	for i, e := range group {
		out[i] = ResolvedTarget{ECU: e, Mode: Functional}
	}
	return out
}

// FilterAllowed partitions targets into the subset whose ECU allows src as
// a tester source address, per spec.md 4.4's ACL semantics: for functional
// fan-out, ECUs that reject src are silently skipped rather than failing
// the whole request.
func FilterAllowed(targets []ResolvedTarget, src uint16) []ResolvedTarget {
	allowed := make([]ResolvedTarget, 0, len(targets))
	for _, t := range targets {
		if t.ECU.AllowsTester(src) {
			allowed = append(allowed, t)
		}
	}
	return allowed
}
