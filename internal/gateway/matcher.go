package gateway

import (
	"encoding/hex"
	"strings"
)

// AddressMode distinguishes a physically-addressed request from a
// functionally-addressed (group broadcast) one, per spec.md 4.1/4.3.
type AddressMode int

const (
	// Physical addressing: the request names exactly one ECU.
	Physical AddressMode = iota
	// Functional addressing: the request names a shared group address.
	Functional
)

// MatchResult is what the matcher/cycler (C3) hands back to the caller for
// one resolved (ECU, UDS request) pair.
type MatchResult struct {
	Service  *ServiceEntry
	Response []byte // nil if NoBody
	NoBody   bool   // true when the matched service has NoResponse set
	Delay    int    // effective delay in milliseconds
}

// ErrNoMatch is returned when no catalog entry matches the request.
type ErrNoMatch struct{}

func (ErrNoMatch) Error() string { return "gateway: no matching service for request" }

// hexForm renders uds as the uppercase, unprefixed hex string the catalog
// is normalised against.
func hexForm(uds []byte) string {
	return strings.ToUpper(hex.EncodeToString(uds))
}

// Match implements spec.md 4.3: exact match first (declaration order),
// then regex match (declaration order), skipping entries whose
// SupportsFunctional is false when mode is Functional. On a hit it reads
// and advances the cycle state and returns the selected response (or
// NoBody), with the effective delay. Returns ErrNoMatch if nothing matched.
func Match(ecu *ECU, cycles *CycleTable, uds []byte, mode AddressMode) (MatchResult, error) {
	req := hexForm(uds)
	reqPrefixed := "0x" + req

	svc := findExact(ecu.Catalog, req, reqPrefixed, mode)
	if svc == nil {
		svc = findRegex(ecu.Catalog, req, reqPrefixed, mode)
	}
	if svc == nil {
		return MatchResult{}, ErrNoMatch{}
	}

	if svc.NoResponse {
		return MatchResult{Service: svc, NoBody: true}, nil
	}

	idx := cycles.Next(ecu.TargetAddress, svc.Name, len(svc.Responses))
	resp := svc.Responses[idx]
	delayMS := 0
	if d := EffectiveDelay(svc, resp); d > 0 {
		delayMS = int(d.Milliseconds())
	}
	return MatchResult{Service: svc, Response: resp.Response, Delay: delayMS}, nil
}

func findExact(cat *Catalog, req, reqPrefixed string, mode AddressMode) *ServiceEntry {
	for _, svc := range cat.Entries {
		if svc.Exact == "" {
			continue
		}
		if svc.Exact == req || svc.Exact == reqPrefixed {
			if mode == Functional && !svc.SupportsFunctional {
				continue
			}
			return svc
		}
	}
	return nil
}

func findRegex(cat *Catalog, req, reqPrefixed string, mode AddressMode) *ServiceEntry {
	for _, svc := range cat.Entries {
		if svc.Regex == nil {
			continue
		}
		if svc.Regex.MatchString(req) || svc.Regex.MatchString(reqPrefixed) {
			if mode == Functional && !svc.SupportsFunctional {
				continue
			}
			return svc
		}
	}
	return nil
}
