package harvest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ItemID identifies a catalog entry. It is derived from the source URL.
type ItemID string

// Attribute is one key/value pair from a product's characteristics table.
type Attribute struct {
	Key   string
	Value string
}

// Attributes is an ordered set of attributes with unique keys. It encodes as a
// JSON object whose member order matches the slice order.
type Attributes []Attribute

// Set replaces the value of an existing key in place or appends a new pair.
func (a *Attributes) Set(key, value string) {
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Attribute{Key: key, Value: value})
}

// Get returns the value stored for key.
func (a Attributes) Get(key string) (string, bool) {
	for _, attr := range a {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// MarshalJSON writes the attributes as an ordered JSON object.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, attr := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(attr.Key)
		if err != nil {
			return nil, fmt.Errorf("marshal attribute key: %w", err)
		}
		value, err := json.Marshal(attr.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal attribute value: %w", err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object while keeping member order.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("read attributes: %w", err)
	}
	if tok == nil {
		*a = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("attributes must be a JSON object")
	}
	out := Attributes{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("read attribute key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("attribute key must be a string")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("read attribute %q: %w", key, err)
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("close attributes: %w", err)
	}
	*a = out
	return nil
}

// Record is the structured product harvested from one page.
type Record struct {
	Name        string     `json:"name"`
	Price       *float64   `json:"price,omitempty"`
	Stock       string     `json:"stock"`
	Description string     `json:"description,omitempty"`
	Attributes  Attributes `json:"characteristics"`
	Images      []string   `json:"img_url"`
	SourceURL   string     `json:"art_url"`
}

// Validate checks the record invariants.
func (r Record) Validate() error {
	if r.Price != nil && *r.Price < 0 {
		return fmt.Errorf("price must be >= 0, got %v", *r.Price)
	}
	seen := make(map[string]struct{}, len(r.Attributes))
	for _, attr := range r.Attributes {
		if _, dup := seen[attr.Key]; dup {
			return fmt.Errorf("duplicate attribute key %q", attr.Key)
		}
		seen[attr.Key] = struct{}{}
	}
	if r.SourceURL == "" {
		return errors.New("source url is required")
	}
	return nil
}

// Checkpoint is the full set of successfully harvested records.
type Checkpoint map[ItemID]Record

// OutcomeKind tags an AttemptOutcome.
type OutcomeKind int

// Attempt outcome kinds.
const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeSoftFail
	OutcomeTransientFail
	OutcomeSessionFail
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSoftFail:
		return "soft_fail"
	case OutcomeTransientFail:
		return "transient_fail"
	case OutcomeSessionFail:
		return "session_fail"
	default:
		return "unknown"
	}
}

// Outcome is the result of one attempt at one item.
type Outcome struct {
	Kind   OutcomeKind
	Record Record
	Reason string
	Err    error
}

// Success wraps a harvested record.
func Success(rec Record) Outcome {
	return Outcome{Kind: OutcomeSuccess, Record: rec}
}

// SoftFail marks the item as definitively absent.
func SoftFail(reason string) Outcome {
	return Outcome{Kind: OutcomeSoftFail, Reason: reason}
}

// TransientFail marks a retryable failure.
func TransientFail(err error) Outcome {
	return Outcome{Kind: OutcomeTransientFail, Reason: ReasonTransient, Err: err}
}

// SessionFail marks a failure that requires a new browser session.
func SessionFail(err error) Outcome {
	return Outcome{Kind: OutcomeSessionFail, Reason: ReasonSessionCrash, Err: err}
}

// Reason codes written to the failure log.
const (
	ReasonNotFound         = "not-found"
	ReasonAbsentPrice      = "absent-price"
	ReasonExhausted        = "exhausted"
	ReasonInvalidURL       = "invalid-url"
	ReasonChallenge        = "challenge-persisted"
	ReasonTransient        = "transient"
	ReasonSessionCrash     = "session-crash"
	ReasonNoAttributes     = "no-attributes"
	ReasonNoImages         = "no-images"
	ReasonExtractionFailed = "extraction-failed"
)

// FailureEntry is one line of the append-only failure log.
type FailureEntry struct {
	Time   time.Time
	Reason string
	URL    string
}

// Verdict is the anti-bot classification of a loaded page.
type Verdict int

// Page classifications.
const (
	VerdictNormal Verdict = iota
	VerdictChallenge
	VerdictNotFound
)

func (v Verdict) String() string {
	switch v {
	case VerdictNormal:
		return "normal"
	case VerdictChallenge:
		return "challenge"
	case VerdictNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Page is what a session reports about the currently loaded document.
type Page struct {
	URL      string
	Title    string
	HTML     []byte
	NotFound bool
}

// Snapshot is a debug capture of the current page.
type Snapshot struct {
	PNG  []byte
	HTML []byte
}

// IdentityStep is one scripted interaction used to pin the browsing identity
// (city and pickup store) right after a session launches.
type IdentityStep struct {
	Action   string        `mapstructure:"action"`
	Target   string        `mapstructure:"target"`
	Optional bool          `mapstructure:"optional"`
	Pause    time.Duration `mapstructure:"pause"`
}

// Identity step actions.
const (
	StepNavigate    = "navigate"
	StepClick       = "click"
	StepClickText   = "click_text"
	StepWaitVisible = "wait_visible"
)

// MessageKind classifies operator notifications.
type MessageKind string

// Notification kinds.
const (
	MessageRunStart     MessageKind = "run_start"
	MessageRunSummary   MessageKind = "run_summary"
	MessageChallenge    MessageKind = "alarm_challenge"
	MessageSessionCrash MessageKind = "alarm_session_crash"
	MessageIdentity     MessageKind = "alarm_identity"
	MessageFatal        MessageKind = "fatal"
)

// Message is an operator notification.
type Message struct {
	Kind  MessageKind
	RunID string
	Time  time.Time
	Text  string
}
