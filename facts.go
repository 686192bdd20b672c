package hmon

import (
	"encoding/json"
	"fmt"
	"time"
)

// FactType is the wire integer discriminator for a Fact variant (spec §6).
type FactType int

const (
	FactHost               FactType = 1
	FactAccountInformation FactType = 2
	FactWorkspace          FactType = 3
	FactThreads            FactType = 4
	FactSuspendedThreads   FactType = 5
	FactThreadCount        FactType = 6
)

func (t FactType) String() string {
	switch t {
	case FactHost:
		return "Host"
	case FactAccountInformation:
		return "AccountInformation"
	case FactWorkspace:
		return "Workspace"
	case FactThreads:
		return "Threads"
	case FactSuspendedThreads:
		return "SuspendedThreads"
	case FactThreadCount:
		return "ThreadCount"
	default:
		return fmt.Sprintf("FactType(%d)", int(t))
	}
}

// SubscriptionEvent is the wire integer discriminator for Subscribe args (spec §6).
type SubscriptionEvent int

const (
	SubscriptionWorkspaceCompaction SubscriptionEvent = 1
	SubscriptionWorkspaceResize     SubscriptionEvent = 2
	SubscriptionUntrappedSignal     SubscriptionEvent = 3
	SubscriptionTrappedSignal       SubscriptionEvent = 4
	SubscriptionThreadSwitch        SubscriptionEvent = 5
	SubscriptionAll                 SubscriptionEvent = 6
)

// NumericBool decodes both JSON integers (0/1) and JSON booleans to a Go
// bool, and always encodes as an integer, per spec §4.3/§6.
type NumericBool bool

func (b NumericBool) MarshalJSON() ([]byte, error) {
	if b {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (b *NumericBool) UnmarshalJSON(data []byte) error {
	var asInt int
	if err := json.Unmarshal(data, &asInt); err == nil {
		*b = asInt != 0
		return nil
	}
	var asBool bool
	if err := json.Unmarshal(data, &asBool); err == nil {
		*b = NumericBool(asBool)
		return nil
	}
	return fmt.Errorf("hmon: NumericBool: unsupported wire value %q", data)
}

// hmonTimestampLayout is the literal HMON timestamp format: YYYYMMDDTHHMMSS.fffZ, UTC.
const hmonTimestampLayout = "20060102T150405.000Z"

// HMONTimestamp decodes/encodes the literal HMON wire timestamp format.
type HMONTimestamp struct {
	time.Time
}

func (t HMONTimestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(hmonTimestampLayout))
}

func (t *HMONTimestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(hmonTimestampLayout, s)
	if err != nil {
		return fmt.Errorf("hmon: invalid HMON timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// InternalLocation decodes/encodes the 2-tuple JSON array [file, line].
type InternalLocation struct {
	File string
	Line int
}

func (l InternalLocation) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{l.File, l.Line})
}

func (l *InternalLocation) UnmarshalJSON(data []byte) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("hmon: InternalLocation: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &l.File); err != nil {
		return fmt.Errorf("hmon: InternalLocation.File: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &l.Line); err != nil {
		return fmt.Errorf("hmon: InternalLocation.Line: %w", err)
	}
	return nil
}

// OSError decodes/encodes the nullable 3-tuple JSON array [source, code, description].
type OSError struct {
	Source      int
	Code        int
	Description string
}

func (e *OSError) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var tuple [3]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("hmon: OSError: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &e.Source); err != nil {
		return fmt.Errorf("hmon: OSError.Source: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &e.Code); err != nil {
		return fmt.Errorf("hmon: OSError.Code: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &e.Description); err != nil {
		return fmt.Errorf("hmon: OSError.Description: %w", err)
	}
	return nil
}

func (e OSError) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Source, e.Code, e.Description})
}

// Fact is a tagged union over the known HMON fact variants, carrying the
// wire ID/Name discriminator alongside the decoded payload.
type Fact struct {
	ID   FactType
	Name string

	Host               *HostFact
	AccountInformation *AccountInformationFact
	Workspace          *WorkspaceFact
	Threads            *ThreadsFact
	SuspendedThreads   *SuspendedThreadsFact
	ThreadCount        *ThreadCountFact
}

// Variant returns the FactType this Fact instance actually carries, which
// is always ID but is exposed separately for readability at call sites.
func (f Fact) Variant() FactType { return f.ID }

// HostFact describes the interpreter's host machine (spec §3 "Host").
type HostFact struct {
	Name          string `json:"Name"`
	UserName      string `json:"UserName"`
	AccessLevel   int    `json:"AccessLevel"`
	InstanceID    string `json:"InstanceID"`
	InterpreterID string `json:"InterpreterID"`
	Interpreter   string `json:"Interpreter"`
	Version       string `json:"Version"`
	BitWidth      int    `json:"BitWidth"`
	NumCPUs       int    `json:"NumCPUs"`
	PID           int    `json:"PID"`
}

// AccountInformationFact describes accounting totals for the session.
type AccountInformationFact struct {
	UserIdentification string  `json:"UserIdentification"`
	ComputeTime        int64   `json:"ComputeTime"`
	ConnectTime        int64   `json:"ConnectTime"`
	KeyingTime         int64   `json:"KeyingTime"`
	SessionStartTime   HMONTimestamp `json:"SessionStartTime"`
}

// WorkspaceFact describes the active workspace (spec example: WSID "CLEAR WS").
type WorkspaceFact struct {
	WSID          string      `json:"WSID"`
	Available     int64       `json:"Available"`
	Compactions   int64       `json:"Compactions"`
	CompactionTime int64      `json:"CompactionTime"`
	Used          int64       `json:"Used"`
	Sediment      int64       `json:"Sediment"`
	Allocation    int64       `json:"Allocation"`
	AllocationHWM int64       `json:"AllocationHWM"`
	MaxWSSize     int64       `json:"MaxWSSize"`
	Guards        NumericBool `json:"Guards"`
}

// ThreadsFact describes the full set of live threads.
type ThreadsFact struct {
	Threads []ThreadDescriptor `json:"Threads"`
}

// SuspendedThreadsFact describes threads currently suspended on an error.
type SuspendedThreadsFact struct {
	Threads []SuspendedThreadDescriptor `json:"Threads"`
}

// ThreadCountFact is a lightweight count-only variant.
type ThreadCountFact struct {
	Total     int `json:"Total"`
	Suspended int `json:"Suspended"`
}

// ThreadDescriptor is one entry of ThreadsFact.Threads.
type ThreadDescriptor struct {
	Tid      int              `json:"Tid"`
	State    string           `json:"State"`
	Suspended NumericBool     `json:"Suspended"`
	Location InternalLocation `json:"Location"`
}

// SuspendedThreadDescriptor is one entry of SuspendedThreadsFact.Threads.
type SuspendedThreadDescriptor struct {
	Tid      int              `json:"Tid"`
	Location InternalLocation `json:"Location"`
	OSError  *OSError         `json:"OSError"`
}

// decodeFact decodes one element of a Facts payload's heterogeneous array.
// If the object has a Value sub-object, decode that as the named variant
// and stamp the outer ID/Name onto the result; otherwise decode the whole
// object as the variant (legacy inline shape). Dispatch below switches on
// ID, not Name, even though the wire always pairs them consistently; a
// frame with a mismatched ID/Name would decode using ID's variant and carry
// the mismatched Name through unchanged.
func decodeFact(raw json.RawMessage) (Fact, error) {
	var envelope struct {
		ID    FactType        `json:"ID"`
		Name  string          `json:"Name"`
		Value json.RawMessage `json:"Value"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Fact{}, fmt.Errorf("hmon: fact envelope: %w", err)
	}

	body := raw
	if len(envelope.Value) > 0 && string(envelope.Value) != "null" {
		body = envelope.Value
	}

	f := Fact{ID: envelope.ID, Name: envelope.Name}
	switch envelope.ID {
	case FactHost:
		f.Host = &HostFact{}
		return f, unmarshalInto(body, f.Host, envelope.Name)
	case FactAccountInformation:
		f.AccountInformation = &AccountInformationFact{}
		return f, unmarshalInto(body, f.AccountInformation, envelope.Name)
	case FactWorkspace:
		f.Workspace = &WorkspaceFact{}
		return f, unmarshalInto(body, f.Workspace, envelope.Name)
	case FactThreads:
		f.Threads = &ThreadsFact{}
		return f, unmarshalInto(body, f.Threads, envelope.Name)
	case FactSuspendedThreads:
		f.SuspendedThreads = &SuspendedThreadsFact{}
		return f, unmarshalInto(body, f.SuspendedThreads, envelope.Name)
	case FactThreadCount:
		f.ThreadCount = &ThreadCountFact{}
		return f, unmarshalInto(body, f.ThreadCount, envelope.Name)
	default:
		return Fact{}, &DecodeError{Command: "Facts", Err: fmt.Errorf("unknown fact %q (ID %d)", envelope.Name, envelope.ID)}
	}
}

func unmarshalInto(body json.RawMessage, dst any, name string) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return &DecodeError{Command: "Facts", Err: fmt.Errorf("variant %s: %w", name, err)}
	}
	return nil
}
