// Package config implements the hierarchical configuration loader
// (spec.md component C2): gateway document -> ECU documents -> service
// catalog documents, merged and validated into an immutable
// *gateway.Gateway.
package config

import "gopkg.in/yaml.v3"

// GatewayDocument is the root YAML document referenced by --gateway-config.
type GatewayDocument struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Network     NetworkSection  `yaml:"network"`
	Protocol    ProtocolSection `yaml:"protocol"`
	Vehicle     VehicleSection  `yaml:"vehicle"`
	ECUs        []string        `yaml:"ecus"`
}

// NetworkSection is the gateway document's `network:` block.
type NetworkSection struct {
	Host           string `yaml:"host"`
	Port           uint16 `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	TimeoutSeconds int    `yaml:"timeout"`
}

// ProtocolSection is the gateway document's `protocol:` block.
type ProtocolSection struct {
	Version        int `yaml:"version"`
	InverseVersion int `yaml:"inverse_version"`
}

// VehicleSection is the gateway document's `vehicle:` block.
type VehicleSection struct {
	VIN            string `yaml:"vin"`
	EID            string `yaml:"eid"`
	GID            string `yaml:"gid"`
	LogicalAddress int    `yaml:"logical_address"`
}

// ECUDocument is one file referenced by GatewayDocument.ECUs.
type ECUDocument struct {
	Name              string         `yaml:"name"`
	Description       string         `yaml:"description"`
	TargetAddress     int            `yaml:"target_address"`
	FunctionalAddress *int           `yaml:"functional_address"`
	TesterAddresses   []int          `yaml:"tester_addresses"`
	UDSServices       UDSServicesRef `yaml:"uds_services"`
}

// UDSServicesRef names the catalog files an ECU draws services from, and
// which named entries from the merged catalog it actually exposes.
type UDSServicesRef struct {
	Catalogs         []string `yaml:"catalogs"`
	CommonServices   []string `yaml:"common_services"`
	SpecificServices []string `yaml:"specific_services"`
}

// ServiceCatalogDocument is one file referenced by an ECU's
// uds_services.catalogs list. Sections are merged by name across every
// catalog file an ECU references (spec.md 4.2 step 3).
type ServiceCatalogDocument struct {
	CommonServices   map[string]ServiceDocument `yaml:"common_services"`
	SpecificServices map[string]ServiceDocument `yaml:"specific_services"`
}

// ServiceDocument is the raw YAML shape of one catalog entry, before
// normalisation (spec.md 3 "Service entry").
type ServiceDocument struct {
	Request            string             `yaml:"request"`
	Responses          []ResponseDocument `yaml:"responses"`
	SupportsFunctional *bool              `yaml:"supports_functional"`
	NoResponse         *bool              `yaml:"no_response"`
	DelayMS            *int               `yaml:"delay_ms"`
}

// ResponseDocument accepts either a bare hex string or a
// {response, delay_ms} record, per spec.md's "Each element is either a
// bare hex-string response or a record" rule. UnmarshalYAML implements the
// tagged-variant decode.
type ResponseDocument struct {
	Response string
	DelayMS  *int
}

type responseRecord struct {
	Response string `yaml:"response"`
	DelayMS  *int   `yaml:"delay_ms"`
}

// UnmarshalYAML implements the tagged-variant shape spec.md 9 calls for:
// "dynamic configuration shapes become tagged-variant response records".
func (r *ResponseDocument) UnmarshalYAML(value *yaml.Node) error {
	var asString string
	if err := value.Decode(&asString); err == nil {
		r.Response = asString
		r.DelayMS = nil
		return nil
	}
	var rec responseRecord
	if err := value.Decode(&rec); err != nil {
		return err
	}
	r.Response = rec.Response
	r.DelayMS = rec.DelayMS
	return nil
}
