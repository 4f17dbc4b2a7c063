// Package logmsg decodes and encodes one line of a probe log (NDJSON, one
// tagged variant per line). The file-level framing (Start, Metadata, ...,
// TEnd) is checked by package logdata, not here.
//
// The wire format is produced by the evobench-probes C/C++ library, not
// by this codebase, so field names below follow the probe library's
// abbreviations (pn, pid, tid, r, u, s) rather than idiomatic Go names;
// renaming them would break the JSON contract.
package logmsg

import (
	"encoding/json"
	"fmt"

	"evobench-jobs/internal/timeutil"
)

// EvobenchLogVersion is the only version this codec understands. Bump it
// only for incompatible wire changes; new optional fields should decode as
// Go zero values instead.
const EvobenchLogVersion = 1

// Kind tags the variant of a LogMessage.
type Kind string

const (
	KindStart       Kind = "Start"
	KindMetadata    Kind = "Metadata"
	KindKeyValue    Kind = "KeyValue"
	KindTStart      Kind = "TStart"
	KindT           Kind = "T"
	KindTS          Kind = "TS"
	KindTE          Kind = "TE"
	KindTThreadStart Kind = "TThreadStart"
	KindTThreadEnd  Kind = "TThreadEnd"
	KindTEnd        Kind = "TEnd"
	KindTIO         Kind = "TIO"
)

// PointKind is the subset of Kind values that carry a Timing payload
// (everything except Start/Metadata/KeyValue).
type PointKind = Kind

func (k Kind) IsTiming() bool {
	switch k {
	case KindTStart, KindT, KindTS, KindTE, KindTThreadStart, KindTThreadEnd, KindTEnd, KindTIO:
		return true
	}
	return false
}

// UName mirrors the fields of POSIX uname(2) the probe library records.
type UName struct {
	Sysname string `json:"sysname"`
	Nodename string `json:"nodename"`
	Release string `json:"release"`
	Version string `json:"version"`
	Machine string `json:"machine"`
}

// Metadata is the second line of every log file.
type Metadata struct {
	Hostname string `json:"hostname"`
	Username string `json:"username"`
	UName    UName  `json:"uname"`
	Compiler string `json:"compiler"`
}

// Timing is the payload of every timing-point message kind.
type Timing struct {
	PN  string           `json:"pn"`
	PID uint64           `json:"pid"`
	TID uint64           `json:"tid"`
	R   timeutil.NanoTime  `json:"r"`
	U   timeutil.MicroTime `json:"u"`
	S   timeutil.MicroTime `json:"s"`

	MaxRSS  *int64 `json:"maxrss,omitempty"`
	MinFlt  *int64 `json:"minflt,omitempty"`
	MajFlt  *int64 `json:"majflt,omitempty"`
	InBlock *int64 `json:"inblock,omitempty"`
	OuBlock *int64 `json:"oublock,omitempty"`
	NVCSW   *int64 `json:"nvcsw,omitempty"`
	NIVCSW  *int64 `json:"nivcsw,omitempty"`
}

// KeyValue is an arbitrary string tag logged on the given thread.
// spantree.Build attaches it to the innermost span open on that thread;
// a KeyValue logged while no span is open is dropped, not kept at root
// level.
type KeyValue struct {
	TID uint64 `json:"tid"`
	K   string `json:"k"`
	V   string `json:"v"`
}

// Message is one decoded line of a probe log.
type Message struct {
	Kind Kind

	// Populated only for Kind == KindStart.
	StartVersion uint32
	StartProbeVersion string

	// Populated only for Kind == KindMetadata.
	Metadata Metadata

	// Populated only for Kind == KindKeyValue.
	KeyValue KeyValue

	// Populated for all PointKind values.
	Timing Timing
}

// wireMessage is the on-disk encoding: a single-key object whose key names
// the variant and whose value is the variant's payload.
type wireMessage map[string]json.RawMessage

type startPayload struct {
	EvobenchLogVersion uint32 `json:"evobench_log_version"`
	EvobenchVersion    string `json:"evobench_version"`
}

// ErrMalformed is returned (wrapped with context) for any line that is not
// valid JSON or does not have exactly one recognized tag.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string { return "malformed log message: " + e.Reason }

// Decode parses one NDJSON line into a Message.
func Decode(line []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(line, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", &ErrMalformed{Reason: "invalid JSON"}, err)
	}
	if len(wire) != 1 {
		return Message{}, fmt.Errorf("%w: expected exactly one tag, got %d", &ErrMalformed{Reason: "wrong tag count"}, len(wire))
	}

	for tag, payload := range wire {
		kind := Kind(tag)
		switch kind {
		case KindStart:
			var p startPayload
			if err := json.Unmarshal(payload, &p); err != nil {
				return Message{}, fmt.Errorf("%w: Start payload: %v", &ErrMalformed{Reason: "bad Start"}, err)
			}
			return Message{Kind: KindStart, StartVersion: p.EvobenchLogVersion, StartProbeVersion: p.EvobenchVersion}, nil

		case KindMetadata:
			var m Metadata
			if err := json.Unmarshal(payload, &m); err != nil {
				return Message{}, fmt.Errorf("%w: Metadata payload: %v", &ErrMalformed{Reason: "bad Metadata"}, err)
			}
			return Message{Kind: KindMetadata, Metadata: m}, nil

		case KindKeyValue:
			var kv KeyValue
			if err := json.Unmarshal(payload, &kv); err != nil {
				return Message{}, fmt.Errorf("%w: KeyValue payload: %v", &ErrMalformed{Reason: "bad KeyValue"}, err)
			}
			return Message{Kind: KindKeyValue, KeyValue: kv}, nil

		default:
			if !kind.IsTiming() {
				return Message{}, fmt.Errorf("%w: unknown tag %q", &ErrMalformed{Reason: "unknown tag"}, tag)
			}
			var tm Timing
			if err := json.Unmarshal(payload, &tm); err != nil {
				return Message{}, fmt.Errorf("%w: %s payload: %v", &ErrMalformed{Reason: "bad Timing"}, tag, err)
			}
			return Message{Kind: kind, Timing: tm}, nil
		}
	}
	panic("unreachable: len(wire) == 1 checked above")
}

// Encode is the inverse of Decode, used by tests and by tools that
// synthesize log fixtures.
func Encode(m Message) ([]byte, error) {
	var payload any
	switch m.Kind {
	case KindStart:
		payload = startPayload{EvobenchLogVersion: m.StartVersion, EvobenchVersion: m.StartProbeVersion}
	case KindMetadata:
		payload = m.Metadata
	case KindKeyValue:
		payload = m.KeyValue
	default:
		if !m.Kind.IsTiming() {
			return nil, fmt.Errorf("logmsg: cannot encode unknown kind %q", m.Kind)
		}
		payload = m.Timing
	}
	return json.Marshal(wireMessage{string(m.Kind): mustMarshal(payload)})
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
