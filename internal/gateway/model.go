// Package gateway holds the gateway's domain model: the immutable
// Gateway/ECU/ServiceEntry tree produced by config.Load, the request
// matcher and response cycler (spec component C3), and the addressing
// resolver (component C4).
package gateway

import (
	"fmt"
	"regexp"
	"time"
)

// VehicleIdentity carries the VIN/EID/GID/logical-address fields embedded
// in a Vehicle Announcement / Identification Response.
type VehicleIdentity struct {
	VIN            [17]byte
	EID            [6]byte
	GID            [6]byte
	LogicalAddress uint16
}

// Gateway is the process-wide, immutable-after-load root of the domain
// model. It owns every ECU and the shared cycle state all TCP sessions and
// the UDP responder read and mutate concurrently.
type Gateway struct {
	Name            string
	Description     string
	Host            string
	Port            uint16
	MaxConnections  int
	IdleTimeout     time.Duration
	ProtocolVersion byte
	Identity        VehicleIdentity

	ECUs []*ECU

	byTarget     map[uint16]*ECU
	byFunctional map[uint16][]*ECU

	Cycles *CycleTable
}

// NewGateway builds a Gateway from its ECUs, indexing them by target and
// functional address. Called once by config.Load; the result is treated as
// immutable for the lifetime of the run.
func NewGateway(name, description, host string, port uint16, maxConn int, idle time.Duration, protoVersion byte, identity VehicleIdentity, ecus []*ECU) *Gateway {
	gw := &Gateway{
		Name:            name,
		Description:     description,
		Host:            host,
		Port:            port,
		MaxConnections:  maxConn,
		IdleTimeout:     idle,
		ProtocolVersion: protoVersion,
		Identity:        identity,
		ECUs:            ecus,
		byTarget:        make(map[uint16]*ECU, len(ecus)),
		byFunctional:    make(map[uint16][]*ECU),
	}
	for _, e := range ecus {
		gw.byTarget[e.TargetAddress] = e
		if e.FunctionalAddress != nil {
			gw.byFunctional[*e.FunctionalAddress] = append(gw.byFunctional[*e.FunctionalAddress], e)
		}
	}
	gw.Cycles = NewCycleTable(gw)
	return gw
}

// ECUByTarget returns the ECU with the given physical target address, and
// whether one was found.
func (g *Gateway) ECUByTarget(addr uint16) (*ECU, bool) {
	e, ok := g.byTarget[addr]
	return e, ok
}

// ECUsByFunctional returns, in ECU declaration order, every ECU sharing the
// given functional address.
func (g *Gateway) ECUsByFunctional(addr uint16) []*ECU {
	return g.byFunctional[addr]
}

// Summary renders the one-line configuration load report logged at
// startup, in the shape of the original tool's config summary report.
func (g *Gateway) Summary() string {
	n := 0
	for _, e := range g.ECUs {
		n += len(e.Catalog.Entries)
	}
	return fmt.Sprintf("%q: %d ECUs, %d services, bind %s:%d", g.Name, len(g.ECUs), n, g.Host, g.Port)
}

// ECU is a virtual responder keyed by its unique physical target address.
type ECU struct {
	Name              string
	Description       string
	TargetAddress     uint16
	FunctionalAddress *uint16
	TesterAddresses   map[uint16]struct{}
	Catalog           *Catalog
}

// AllowsTester reports whether src is in this ECU's allowed tester set.
func (e *ECU) AllowsTester(src uint16) bool {
	_, ok := e.TesterAddresses[src]
	return ok
}

// Catalog is an ECU's resolved, ordered service table.
type Catalog struct {
	Entries []*ServiceEntry
	byName  map[string]*ServiceEntry
}

// NewCatalog builds a Catalog from its entries, preserving declaration
// order for matching and indexing by name for lookup/reset operations.
func NewCatalog(entries []*ServiceEntry) *Catalog {
	c := &Catalog{Entries: entries, byName: make(map[string]*ServiceEntry, len(entries))}
	for _, e := range entries {
		c.byName[e.Name] = e
	}
	return c
}

// ByName looks up a service entry by its catalog name.
func (c *Catalog) ByName(name string) (*ServiceEntry, bool) {
	e, ok := c.byName[name]
	return e, ok
}

// ServiceEntry is one named entry in an ECU's service catalog.
type ServiceEntry struct {
	Name string

	// Exactly one of Exact/Regex is populated, per the normalised request
	// form described in spec.md 4.2 step 5.
	Exact string
	Regex *regexp.Regexp

	Responses          []ResponseSpec
	SupportsFunctional bool
	NoResponse         bool
	DelayMS            *int
}

// ResponseSpec is one entry in a service's ordered response list.
type ResponseSpec struct {
	Response []byte
	DelayMS  *int
}

// EffectiveDelay returns response.DelayMS if set, else svc.DelayMS, else 0.
func EffectiveDelay(svc *ServiceEntry, resp ResponseSpec) time.Duration {
	if resp.DelayMS != nil {
		return time.Duration(*resp.DelayMS) * time.Millisecond
	}
	if svc.DelayMS != nil {
		return time.Duration(*svc.DelayMS) * time.Millisecond
	}
	return 0
}
