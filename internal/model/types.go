// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package model defines the shared data types that flow through the
// ingestion-to-defense pipeline: PacketRecord, FeatureVector,
// ClassifierOutput, ThreatLevel, Action, RLState, Experience, and
// BlockRecord (spec.md §3).
package model

import "time"

// Protocol is the normalized transport/network protocol tag a PacketRecord
// carries. Dynamic dispatch by concrete packet type is replaced by this
// single tagged field.
type Protocol uint8

const (
	ProtoOther Protocol = iota
	ProtoTCP
	ProtoUDP
	ProtoICMP
	ProtoARP
)

func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	case ProtoARP:
		return "arp"
	default:
		return "other"
	}
}

// Endpoint is a network address with an optional port (zero when not
// applicable, e.g. ICMP/ARP).
type Endpoint struct {
	Addr string
	Port uint16
}

// PacketRecord is produced by the capture adapter (C1) and is immutable
// after emission: ownership passes exclusively to the pipeline, and when
// reclaimed it is cleared by Reset and returned to the pool (C2).
type PacketRecord struct {
	Source      Endpoint
	Dest        Endpoint
	Protocol    Protocol
	Length      uint32
	TTL         uint8
	Flags       uint16
	Info        string // opaque pattern hint, never authoritative
	TimestampMS int64  // monotonic milliseconds since process start
}

// Reset clears every field so a pooled PacketRecord never leaks data across
// reuse (C2 pool contract: get returns a cleared object).
func (p *PacketRecord) Reset() {
	*p = PacketRecord{}
}

// FeatureVector is the fixed-width output of the feature extractor (C3).
// Width is F=7 in lightweight mode, F=12 in performance mode (spec.md §3).
type FeatureVector struct {
	Lanes []float32
}

// AttackKind is the coarse category a classifier assigns to malicious
// traffic.
type AttackKind uint8

const (
	AttackNormal AttackKind = iota
	AttackDDoS
	AttackPortScan
	AttackBruteForce
	AttackWebAttack
	AttackBotnet
	AttackUnknown
)

func (a AttackKind) String() string {
	switch a {
	case AttackNormal:
		return "normal"
	case AttackDDoS:
		return "ddos"
	case AttackPortScan:
		return "port_scan"
	case AttackBruteForce:
		return "brute_force"
	case AttackWebAttack:
		return "web_attack"
	case AttackBotnet:
		return "botnet"
	default:
		return "unknown"
	}
}

// code returns the [0,1]-normalized code used in RLState, evenly spacing the
// 7 AttackKind values.
func (a AttackKind) code() float64 {
	return float64(a) / float64(AttackUnknown)
}

// ClassifierOutput is produced by the threat classifier (C4).
type ClassifierOutput struct {
	PMalicious float64
	Confidence float64
	AttackKind AttackKind
}

// ThreatLevel is a total order safe < low < medium < high < critical
// (spec.md §3); the zero value is Safe.
type ThreatLevel uint8

const (
	ThreatSafe ThreatLevel = iota
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

func (t ThreatLevel) String() string {
	switch t {
	case ThreatLow:
		return "low"
	case ThreatMedium:
		return "medium"
	case ThreatHigh:
		return "high"
	case ThreatCritical:
		return "critical"
	default:
		return "safe"
	}
}

func (t ThreatLevel) code() float64 { return float64(t) / float64(ThreatCritical) }

// Action is one of the 6 discrete defensive responses (spec.md §3).
type Action int

const (
	ActionAllow Action = iota
	ActionBlockTemp
	ActionBlockPerm
	ActionRateLimit
	ActionDeepInspect
	ActionIsolate
)

const NumActions = 6

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionBlockTemp:
		return "block_temp"
	case ActionBlockPerm:
		return "block_perm"
	case ActionRateLimit:
		return "rate_limit"
	case ActionDeepInspect:
		return "deep_inspect"
	case ActionIsolate:
		return "isolate"
	default:
		return "unknown"
	}
}

// ConservativeActions are the actions the CQL agent's epsilon-greedy
// exploration is biased toward (spec.md §4.8): allow, rate-limit, or
// deep-inspect, never an outright block, while exploring.
var ConservativeActions = [3]Action{ActionAllow, ActionRateLimit, ActionDeepInspect}

// RLStateDim is the fixed dimensionality of RLState (spec.md §3).
const RLStateDim = 10

// RLState is the 10-D, all-[0,1] state vector the response-policy agent
// (C8) observes.
type RLState [RLStateDim]float64

// NewRLState builds a state vector from the quantities named in spec.md §3:
// [p_malicious, confidence, attack_kind_code, severity_code, cpu_load,
// mem_load, active_threats_norm, blocked_ips_norm, hour_of_day/24,
// service_criticality].
func NewRLState(pMalicious, confidence float64, kind AttackKind, level ThreatLevel, cpuLoad, memLoad, activeThreatsNorm, blockedIPsNorm float64, hour int, serviceCriticality float64) RLState {
	return RLState{
		clamp01(pMalicious),
		clamp01(confidence),
		kind.code(),
		level.code(),
		clamp01(cpuLoad),
		clamp01(memLoad),
		clamp01(activeThreatsNorm),
		clamp01(blockedIPsNorm),
		float64(hour%24) / 24.0,
		clamp01(serviceCriticality),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ExperienceMeta carries the bookkeeping fields stored alongside a transition
// that are not part of the RL state itself, used by the replay buffer's
// IDS-aware retention and by attack-type statistics.
type ExperienceMeta struct {
	IsMalicious bool
	AttackKind  AttackKind
	SourceAddr  string
	Timestamp   time.Time
}

// Experience is a single transition recorded into the prioritized replay
// buffer (C9). Experiences are append-only until the buffer evicts them.
type Experience struct {
	State     RLState
	Action    Action
	Reward    float32
	NextState RLState
	Done      bool
	Meta      ExperienceMeta
}

// BlockKind is the category of a BlockRecord.
type BlockKind int

const (
	BlockNone BlockKind = iota
	BlockWarn
	BlockTemp
	BlockPerm
)

func (k BlockKind) String() string {
	switch k {
	case BlockWarn:
		return "warn"
	case BlockTemp:
		return "temp"
	case BlockPerm:
		return "perm"
	default:
		return "none"
	}
}

// WarnTTL and TempTTL are the fixed lifetimes for WARN and TEMP blocks
// (spec.md §4.7, GLOSSARY).
const (
	WarnTTL = 600 * time.Second
	TempTTL = 1800 * time.Second
)

// BlockRecord is per-source-address state owned exclusively by the defense
// executor (C7).
type BlockRecord struct {
	Addr      string
	Kind      BlockKind
	CreatedAt time.Time
	ExpiresAt time.Time // zero for BlockPerm
	Verified  bool
	RuleIDs   []string
}
