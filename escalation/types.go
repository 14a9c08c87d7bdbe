package escalation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrUnsupportedTarget is returned when an operation does not apply to
	// the given target type, e.g. blackholing a fingerprint.
	ErrUnsupportedTarget = errors.New("unsupported target type")

	// ErrInvalidTarget is returned for empty or malformed targets.
	ErrInvalidTarget = errors.New("invalid target")
)

// Tier is an identity's escalation level. Tiers are ordered.
type Tier int

const (
	Normal Tier = iota
	Quarantined
	Sinkholed
	Blackholed
)

func (t Tier) String() string {
	switch t {
	case Normal:
		return "normal"
	case Quarantined:
		return "quarantined"
	case Sinkholed:
		return "sinkholed"
	case Blackholed:
		return "blackholed"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Tier) UnmarshalText(text []byte) error {
	switch string(text) {
	case "normal":
		*t = Normal
	case "quarantined":
		*t = Quarantined
	case "sinkholed":
		*t = Sinkholed
	case "blackholed":
		*t = Blackholed
	default:
		return fmt.Errorf("unknown tier %q", text)
	}
	return nil
}

// TargetType names what an administrative action applies to.
type TargetType string

const (
	TargetIdentity    TargetType = "identity"
	TargetSubnet      TargetType = "subnet"
	TargetFingerprint TargetType = "fingerprint"
)

// ParseTargetType accepts the target type names used by the admin API.
// "ip" is accepted as an alias for identity.
func ParseTargetType(s string) (TargetType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "identity", "ip", "":
		return TargetIdentity, nil
	case "subnet":
		return TargetSubnet, nil
	case "fingerprint":
		return TargetFingerprint, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTarget, s)
	}
}

// Action is the outcome of CheckRequest.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionQuarantine Action = "quarantine"
	ActionSinkhole   Action = "sinkhole"
	ActionBlackhole  Action = "blackhole"
)

// Lookup is what CheckRequest needs to know about a request.
type Lookup struct {
	Identity    string
	Fingerprint string
	UserAgent   string
	Path        string
}

// Decision is the escalation veto for one request.
type Decision struct {
	Action Action     `json:"action"`
	Reason string     `json:"reason,omitempty"`
	Source TargetType `json:"source,omitempty"`
	Until  time.Time  `json:"until,omitzero"`
	Decoy  *Decoy     `json:"decoy,omitempty"`
}

// Violation is one offence counted towards escalation.
type Violation struct {
	Kind     string    `json:"kind"`
	Severity int       `json:"severity"`
	At       time.Time `json:"at"`
}

// Escalation describes a tier change. It is returned by RecordViolation
// and delivered to OnEscalation hooks.
type Escalation struct {
	Target TargetType `json:"target_type"`
	Key    string     `json:"target"`
	From   Tier       `json:"from"`
	To     Tier       `json:"to"`
	Score  int        `json:"score"`
	Reason string     `json:"reason"`
	Until  time.Time  `json:"until,omitzero"`
	At     time.Time  `json:"at"`
}

// Changed reports whether the tier moved.
func (e Escalation) Changed() bool { return e.From != e.To }

// Listing is a snapshot of one listed target.
type Listing struct {
	Target string     `json:"target"`
	Type   TargetType `json:"type"`
	Tier   Tier       `json:"tier"`
	Reason string     `json:"reason"`
	Since  time.Time  `json:"since"`
	Until  time.Time  `json:"until,omitzero"`
}

// Snapshot is a read-only copy of every listed target, suitable for
// persistence and Restore.
type Snapshot struct {
	TakenAt      time.Time `json:"taken_at"`
	Identities   []Listing `json:"identities"`
	Subnets      []Listing `json:"subnets"`
	Fingerprints []Listing `json:"fingerprints"`
}

// Intel is the shareable view of current threats.
type Intel struct {
	Blackholed            []string               `json:"blackholed"`
	Sinkholed             []string               `json:"sinkholed"`
	Quarantined           []string               `json:"quarantined"`
	BlackholedSubnets     []string               `json:"blackholed_subnets"`
	SinkholedSubnets      []string               `json:"sinkholed_subnets"`
	SinkholedFingerprints []string               `json:"sinkholed_fingerprints"`
	RecentViolations      map[string][]Violation `json:"recent_violations"`
}

// Stats summarises the engine.
type Stats struct {
	TrackedIdentities     int                  `json:"tracked_identities"`
	Quarantined           int                  `json:"quarantined"`
	Sinkholed             int                  `json:"sinkholed"`
	Blackholed            int                  `json:"blackholed"`
	SinkholedSubnets      int                  `json:"sinkholed_subnets"`
	BlackholedSubnets     int                  `json:"blackholed_subnets"`
	SinkholedFingerprints int                  `json:"sinkholed_fingerprints"`
	Escalations           uint64               `json:"escalations"`
	Actions               map[Action]uint64    `json:"actions"`
	Decoys                map[DecoyKind]uint64 `json:"decoys"`
}

// CleanupResult reports what a cleanup pass removed.
type CleanupResult struct {
	ExpiredQuarantines int `json:"expired_quarantines"`
	TrimmedViolations  int `json:"trimmed_violations"`
	RemovedIdentities  int `json:"removed_identities"`
	RemovedSubnetKeys  int `json:"removed_subnet_keys"`
}
