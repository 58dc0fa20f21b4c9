package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Alonso07/doip-server/internal/gateway"
	"gopkg.in/yaml.v3"
)

// Load resolves the gateway document at path into a fully validated,
// immutable *gateway.Gateway, per the six-step algorithm of spec.md 4.2.
// log receives WARN lines for catalog-merge overrides and ignored
// no_response/responses combinations; it may be nil.
func Load(path string, log gateway.Logger) (*gateway.Gateway, error) {
	if log == nil {
		log = gateway.NewLogger(false)
	}

	gwDoc, err := readGatewayDocument(path)
	if err != nil {
		return nil, err
	}

	if err := validateGatewayDocument(gwDoc, path); err != nil {
		return nil, err
	}

	baseDir := filepath.Dir(path)

	var ecus []*gateway.ECU
	seenTargets := make(map[uint16]string)

	for _, rel := range gwDoc.ECUs {
		ecuPath := filepath.Join(baseDir, rel)
		ecu, err := loadECU(ecuPath, log)
		if err != nil {
			return nil, err
		}
		if prior, ok := seenTargets[ecu.TargetAddress]; ok {
			return nil, &Error{Kind: DuplicateTarget, File: ecuPath,
				Key: fmt.Sprintf("target_address=0x%04X", ecu.TargetAddress),
				Err: fmt.Errorf("already declared in %s", prior)}
		}
		seenTargets[ecu.TargetAddress] = ecuPath

		if err := validateCatalogUniqueness(ecu, ecuPath); err != nil {
			return nil, err
		}

		ecus = append(ecus, ecu)
	}

	identity, err := parseVehicleIdentity(gwDoc.Vehicle, path)
	if err != nil {
		return nil, err
	}

	gw := gateway.NewGateway(
		gwDoc.Name,
		gwDoc.Description,
		gwDoc.Network.Host,
		gwDoc.Network.Port,
		gwDoc.Network.MaxConnections,
		time.Duration(gwDoc.Network.TimeoutSeconds)*time.Second,
		byte(gwDoc.Protocol.Version),
		identity,
		ecus,
	)

	log.Infof("configuration loaded: %s", gw.Summary())

	return gw, nil
}

func readGatewayDocument(path string) (*GatewayDocument, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: FileNotFound, File: path, Err: err}
		}
		return nil, &Error{Kind: ParseError, File: path, Err: err}
	}
	var doc GatewayDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, &Error{Kind: ParseError, File: path, Err: err}
	}
	return &doc, nil
}

func validateGatewayDocument(doc *GatewayDocument, path string) error {
	if doc.Network.Port == 0 {
		return &Error{Kind: SchemaError, File: path, Key: "network.port"}
	}
	if doc.Network.Host == "" {
		return &Error{Kind: SchemaError, File: path, Key: "network.host"}
	}
	if doc.Protocol.Version == 0 {
		return &Error{Kind: SchemaError, File: path, Key: "protocol.version"}
	}
	if len(doc.ECUs) == 0 {
		return &Error{Kind: SchemaError, File: path, Key: "ecus"}
	}
	return nil
}

func parseVehicleIdentity(v VehicleSection, path string) (gateway.VehicleIdentity, error) {
	var id gateway.VehicleIdentity
	if len(v.VIN) != 17 {
		return id, &Error{Kind: SchemaError, File: path, Key: "vehicle.vin",
			Err: fmt.Errorf("VIN must be 17 ASCII bytes, got %d", len(v.VIN))}
	}
	copy(id.VIN[:], []byte(v.VIN))

	eid, err := decodeFixedHex(v.EID, 6)
	if err != nil {
		return id, &Error{Kind: BadHex, File: path, Key: "vehicle.eid", Err: err}
	}
	copy(id.EID[:], eid)

	gid, err := decodeFixedHex(v.GID, 6)
	if err != nil {
		return id, &Error{Kind: BadHex, File: path, Key: "vehicle.gid", Err: err}
	}
	copy(id.GID[:], gid)

	id.LogicalAddress = uint16(v.LogicalAddress)
	return id, nil
}

func loadECU(path string, log gateway.Logger) (*gateway.ECU, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: FileNotFound, File: path, Err: err}
		}
		return nil, &Error{Kind: ParseError, File: path, Err: err}
	}
	var doc ECUDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, &Error{Kind: ParseError, File: path, Err: err}
	}

	if doc.TargetAddress == 0 {
		return nil, &Error{Kind: SchemaError, File: path, Key: "target_address"}
	}

	ecu := &gateway.ECU{
		Name:            doc.Name,
		Description:     doc.Description,
		TargetAddress:   uint16(doc.TargetAddress),
		TesterAddresses: make(map[uint16]struct{}, len(doc.TesterAddresses)),
	}
	if doc.FunctionalAddress != nil {
		fa := uint16(*doc.FunctionalAddress)
		ecu.FunctionalAddress = &fa
	}
	for _, a := range doc.TesterAddresses {
		ecu.TesterAddresses[uint16(a)] = struct{}{}
	}

	merged, err := mergeCatalogs(doc.UDSServices.Catalogs, filepath.Dir(path), log)
	if err != nil {
		return nil, err
	}

	entries, err := buildCatalog(merged, doc.UDSServices, path, log)
	if err != nil {
		return nil, err
	}
	ecu.Catalog = gateway.NewCatalog(entries)

	return ecu, nil
}

// mergedDoc holds the union of common_services/specific_services across
// every catalog file an ECU references, with per-key provenance so an
// override can be warned about and a later ReferenceError can point at the
// right file.
type mergedDoc struct {
	sections map[string]ServiceDocument
	fileOf   map[string]string
}

func mergeCatalogs(files []string, baseDir string, log gateway.Logger) (*mergedDoc, error) {
	m := &mergedDoc{sections: make(map[string]ServiceDocument), fileOf: make(map[string]string)}
	for _, rel := range files {
		path := filepath.Join(baseDir, rel)
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &Error{Kind: FileNotFound, File: path, Err: err}
			}
			return nil, &Error{Kind: ParseError, File: path, Err: err}
		}
		var doc ServiceCatalogDocument
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, &Error{Kind: ParseError, File: path, Err: err}
		}
		for name, svc := range doc.CommonServices {
			mergeOne(m, name, svc, path, log)
		}
		for name, svc := range doc.SpecificServices {
			mergeOne(m, name, svc, path, log)
		}
	}
	return m, nil
}

func mergeOne(m *mergedDoc, name string, svc ServiceDocument, path string, log gateway.Logger) {
	if prior, ok := m.fileOf[name]; ok {
		log.Warnf("service %q in %s overrides definition from %s", name, path, prior)
	}
	m.sections[name] = svc
	m.fileOf[name] = path
}

func buildCatalog(merged *mergedDoc, ref UDSServicesRef, ecuPath string, log gateway.Logger) ([]*gateway.ServiceEntry, error) {
	names := append(append([]string{}, ref.CommonServices...), ref.SpecificServices...)
	entries := make([]*gateway.ServiceEntry, 0, len(names))
	for _, name := range names {
		doc, ok := merged.sections[name]
		if !ok {
			return nil, &Error{Kind: ReferenceError, File: ecuPath, Key: name,
				Err: fmt.Errorf("service %q not found in any referenced catalog", name)}
		}
		entry, err := normalizeService(name, doc, merged.fileOf[name], log)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func validateCatalogUniqueness(ecu *gateway.ECU, path string) error {
	type sig struct {
		req        string
		functional bool
	}
	seen := make(map[sig]string)
	for _, e := range ecu.Catalog.Entries {
		req := e.Exact
		if e.Regex != nil {
			req = "regex:" + e.Regex.String()
		}
		s := sig{req: req, functional: e.SupportsFunctional}
		if prior, ok := seen[s]; ok {
			return &Error{Kind: DuplicateService, File: path, Key: e.Name,
				Err: fmt.Errorf("shadows %q on the same request pattern", prior)}
		}
		seen[s] = e.Name
	}
	return nil
}

func decodeFixedHex(s string, n int) ([]byte, error) {
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}
