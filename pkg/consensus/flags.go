package consensus

import "sort"

// CheckKind selects how an authority's verdict on a flag is derived.
type CheckKind string

const (
	// CheckThreshold compares node stats against that authority's own
	// published threshold values.
	CheckThreshold CheckKind = "threshold"
	// CheckReachability passes when the authority found the node reachable
	// over IPv4.
	CheckReachability CheckKind = "reachability"
	// CheckAssignment passes when the authority's vote lists the flag.
	CheckAssignment CheckKind = "assignment"
	// CheckPolicy is authority-independent: it evaluates the node's static
	// exit-policy attributes once.
	CheckPolicy CheckKind = "policy"
)

// StatKind names the per-authority stat a threshold requirement compares.
type StatKind string

const (
	StatWFU       StatKind = "wfu"
	StatTimeKnown StatKind = "tk"
	StatMTBF      StatKind = "mtbf"
	StatBandwidth StatKind = "bandwidth"
)

// ThresholdRequirement binds one threshold-table key to the stat it gates.
// Values are always read from the authority's current document; an authority
// that does not publish the key cannot certify the flag.
type ThresholdRequirement struct {
	Key  string
	Stat StatKind
}

// FlagRule describes how one capability flag is earned: its prerequisite
// flags (a small DAG) and its per-authority check.
type FlagRule struct {
	Name          string
	Prerequisites []string
	Check         CheckKind
	Requirements  []ThresholdRequirement
}

// exitPorts are the ports an exit policy must accept at least two of for the
// node to be exit-eligible.
var exitPorts = []int{80, 443, 6667}

// DefaultRules is the flag dependency graph: Guard needs the
// directory-serving and long-uptime flags, the hidden-service directory flag
// needs long uptime.
func DefaultRules() map[string]FlagRule {
	return map[string]FlagRule{
		"Running": {
			Name:  "Running",
			Check: CheckReachability,
		},
		"Valid": {
			Name:  "Valid",
			Check: CheckAssignment,
		},
		"V2Dir": {
			Name:  "V2Dir",
			Check: CheckAssignment,
		},
		"Fast": {
			Name:  "Fast",
			Check: CheckThreshold,
			Requirements: []ThresholdRequirement{
				{Key: "fast-speed", Stat: StatBandwidth},
			},
		},
		"Stable": {
			Name:  "Stable",
			Check: CheckThreshold,
			Requirements: []ThresholdRequirement{
				{Key: "stable-mtbf", Stat: StatMTBF},
			},
		},
		"Guard": {
			Name:          "Guard",
			Prerequisites: []string{"V2Dir", "Stable"},
			Check:         CheckThreshold,
			Requirements: []ThresholdRequirement{
				{Key: "guard-bw", Stat: StatBandwidth},
				{Key: "guard-tk", Stat: StatTimeKnown},
				{Key: "guard-wfu", Stat: StatWFU},
			},
		},
		"HSDir": {
			Name:          "HSDir",
			Prerequisites: []string{"Stable"},
			Check:         CheckThreshold,
			Requirements: []ThresholdRequirement{
				{Key: "hsdir-wfu", Stat: StatWFU},
				{Key: "hsdir-tk", Stat: StatTimeKnown},
			},
		},
		"Exit": {
			Name:  "Exit",
			Check: CheckPolicy,
		},
	}
}

// TrackedFlags returns the rule names in a stable order.
func TrackedFlags(rules map[string]FlagRule) []string {
	ordered := []string{"Running", "Valid", "V2Dir", "Fast", "Stable", "Guard", "HSDir", "Exit"}
	flags := make([]string, 0, len(rules))
	for _, name := range ordered {
		if _, ok := rules[name]; ok {
			flags = append(flags, name)
		}
	}
	extras := make([]string, 0)
	for name := range rules {
		known := false
		for _, f := range flags {
			if f == name {
				known = true
				break
			}
		}
		if !known {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	return append(flags, extras...)
}
