package link

import (
	"encoding/json"
	"strconv"
	"strings"
)

// maxSupportedSchemaInt/maxSupportedSchemaDotted are the two encodings
// HelloRecord.schemaVersion has been observed in (spec §9 open question):
// a bare integer, or a dotted-numeric string.
const maxSupportedSchemaInt = 3

var maxSupportedSchemaDotted = []int{3, 0}

// RecordType discriminates the known top-level NDJSON record shapes
// (spec §4.6 "Record dispatch").
type RecordType string

const (
	TypeHello           RecordType = "Hello"
	TypeAppIcon         RecordType = "AppIcon"
	TypeReplayComplete  RecordType = "ReplayComplete"
	TypeFeatureEvent    RecordType = "FeatureEvent"
	TypeUnknown         RecordType = "Unknown"
)

// Record is any decoded device-to-host line.
type Record interface {
	RecordType() RecordType
}

// Feature is one entry of HelloRecord.Features.
type Feature struct {
	ID string `json:"id"`
}

// HelloRecord is the server's identifying handshake record.
type HelloRecord struct {
	SchemaVersion          json.RawMessage `json:"schemaVersion"`
	PackageName            string          `json:"packageName"`
	ProcessName            string          `json:"processName"`
	PID                    int             `json:"pid"`
	ServerStartWallMs      int64           `json:"serverStartWallMs"`
	ServerStartMonoNs      int64           `json:"serverStartMonoNs"`
	Mode                   string          `json:"mode"`
	Features               []Feature       `json:"features"`
	SchemaNewerThanSupport bool            `json:"-"`
}

func (HelloRecord) RecordType() RecordType { return TypeHello }

// FeatureIDs returns the set of feature ids the server advertised.
func (h HelloRecord) FeatureIDs() map[string]bool {
	ids := make(map[string]bool, len(h.Features))
	for _, f := range h.Features {
		ids[f.ID] = true
	}
	return ids
}

// AppIconRecord carries an app icon payload; its exact fields beyond the
// discriminator are opaque to the core and preserved verbatim.
type AppIconRecord struct {
	Raw json.RawMessage
}

func (AppIconRecord) RecordType() RecordType { return TypeAppIcon }

// ReplayCompleteRecord signals that a replay operation finished.
type ReplayCompleteRecord struct {
	Raw json.RawMessage
}

func (ReplayCompleteRecord) RecordType() RecordType { return TypeReplayComplete }

// NetworkEvent is a CDP-shaped network feature payload:
// {"method":"Network.requestWillBeSent","params":{...}}.
type NetworkEvent struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// FeatureEventRecord wraps one feature's opaque payload. Network carries
// the decoded network event when Feature == "network"; it is nil otherwise.
type FeatureEventRecord struct {
	Feature string
	Payload json.RawMessage
	Network *NetworkEvent
}

func (FeatureEventRecord) RecordType() RecordType { return TypeFeatureEvent }

// Summary returns "FeatureEvent(<feature>)" for features the core does not
// interpret further (spec §4.6 "Record dispatch").
func (f FeatureEventRecord) Summary() string {
	return "FeatureEvent(" + f.Feature + ")"
}

// UnknownRecord is any line that parsed as a JSON object but whose "type"
// is not one the core recognizes, or a line that failed to parse as a
// type-tagged JSON object at all.
type UnknownRecord struct {
	Raw string
}

func (UnknownRecord) RecordType() RecordType { return TypeUnknown }

type envelope struct {
	Type string `json:"type"`
}

// ParseLine decodes one NDJSON line into its typed Record (spec §4.6
// "Record dispatch"). It never returns an error: a line that cannot be
// classified becomes an UnknownRecord.
func ParseLine(line []byte) Record {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil || env.Type == "" {
		return UnknownRecord{Raw: string(line)}
	}

	switch RecordType(env.Type) {
	case TypeHello:
		var h HelloRecord
		if err := json.Unmarshal(line, &h); err != nil {
			return UnknownRecord{Raw: string(line)}
		}
		h.SchemaNewerThanSupport = schemaNewerThanSupported(h.SchemaVersion)
		return h
	case TypeAppIcon:
		return AppIconRecord{Raw: append(json.RawMessage(nil), line...)}
	case TypeReplayComplete:
		return ReplayCompleteRecord{Raw: append(json.RawMessage(nil), line...)}
	case TypeFeatureEvent:
		var fe struct {
			Feature string          `json:"feature"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(line, &fe); err != nil {
			return UnknownRecord{Raw: string(line)}
		}
		if fe.Feature != "network" {
			return UnknownRecord{Raw: "FeatureEvent(" + fe.Feature + ")"}
		}
		rec := FeatureEventRecord{Feature: fe.Feature, Payload: fe.Payload}
		if err := json.Unmarshal(fe.Payload, &rec.Network); err != nil {
			rec.Network = nil
		}
		return rec
	default:
		return UnknownRecord{Raw: string(line)}
	}
}

// schemaNewerThanSupported implements the open question in spec §9:
// schemaVersion may arrive as a bare integer or a dotted-numeric string;
// read the raw value and compare without coercing between the two shapes.
func schemaNewerThanSupported(raw json.RawMessage) bool {
	var asInt int
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt > maxSupportedSchemaInt
	}
	var asStr string
	if err := json.Unmarshal(raw, &asStr); err == nil {
		return compareDottedVersion(asStr, maxSupportedSchemaDotted) > 0
	}
	return false
}

func compareDottedVersion(s string, max []int) int {
	parts := strings.Split(s, ".")
	n := len(parts)
	if len(max) > n {
		n = len(max)
	}
	for i := 0; i < n; i++ {
		var p, m int
		if i < len(parts) {
			p, _ = strconv.Atoi(parts[i])
		}
		if i < len(max) {
			m = max[i]
		}
		if p != m {
			if p > m {
				return 1
			}
			return -1
		}
	}
	return 0
}
