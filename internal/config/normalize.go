package config

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/Alonso07/doip-server/internal/gateway"
)

// normalizeService implements spec.md 4.2 step 5: uppercase/strip the
// request hex, detect and pre-compile a `regex:` prefix, normalise the
// response list to a uniform shape, and validate no_response consistency.
func normalizeService(name string, doc ServiceDocument, file string, log gateway.Logger) (*gateway.ServiceEntry, error) {
	entry := &gateway.ServiceEntry{Name: name}

	raw := strings.TrimSpace(doc.Request)
	switch {
	case strings.HasPrefix(strings.ToLower(raw), "regex:"):
		pattern := raw[len("regex:"):]
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, &Error{Kind: BadRegex, File: file, Key: name, Err: err}
		}
		entry.Regex = re
	default:
		hexStr := strings.ToUpper(raw)
		hexStr = strings.TrimPrefix(hexStr, "0X")
		if _, err := hex.DecodeString(hexStr); err != nil {
			return nil, &Error{Kind: BadHex, File: file, Key: name, Err: err}
		}
		entry.Exact = hexStr
	}

	if doc.SupportsFunctional != nil {
		entry.SupportsFunctional = *doc.SupportsFunctional
	}
	if doc.NoResponse != nil {
		entry.NoResponse = *doc.NoResponse
	}
	entry.DelayMS = doc.DelayMS

	responses := make([]gateway.ResponseSpec, 0, len(doc.Responses))
	for _, r := range doc.Responses {
		respHex := strings.ToUpper(strings.TrimSpace(r.Response))
		respHex = strings.TrimPrefix(respHex, "0X")
		b, err := hex.DecodeString(respHex)
		if err != nil {
			return nil, &Error{Kind: BadHex, File: file, Key: name, Err: err}
		}
		responses = append(responses, gateway.ResponseSpec{Response: b, DelayMS: r.DelayMS})
	}
	entry.Responses = responses

	// Invariant (spec.md 3): exactly one of (>=1 response) or no_response.
	if !entry.NoResponse && len(entry.Responses) == 0 {
		return nil, &Error{Kind: SchemaError, File: file, Key: name,
			Err: errNoResponsesConfigured}
	}
	if entry.NoResponse && len(entry.Responses) > 0 {
		log.Warnf("service %q in %s sets no_response but also declares responses; responses are ignored", name, file)
		entry.Responses = nil
	}

	return entry, nil
}

var errNoResponsesConfigured = schemaErrf("service has no responses and no_response is not set")

type schemaErrString string

func (e schemaErrString) Error() string { return string(e) }

func schemaErrf(msg string) error { return schemaErrString(msg) }
