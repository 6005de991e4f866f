package domain

import (
	"strings"
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity accepts any casing and returns the canonical severity.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	case SeverityCritical:
		return SeverityCritical, true
	}
	return "", false
}

// Rank orders severities from 1 (LOW) to 4 (CRITICAL). Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// PayloadVariant is one named command text of a technique. Variants keep
// their declaration order, which decides the fallback payload.
type PayloadVariant struct {
	Name    string `yaml:"name" json:"name"`
	Command string `yaml:"command" json:"command"`
}

type AttackTechnique struct {
	TTPID               string           `yaml:"ttp_id" json:"ttp_id"`
	Name                string           `yaml:"name" json:"name"`
	Tactic              string           `yaml:"tactic" json:"tactic"`
	Description         string           `yaml:"description" json:"description"`
	Severity            Severity         `yaml:"severity" json:"severity"`
	ExpectedDamage      int              `yaml:"expected_damage" json:"expected_damage"`
	DetectionDifficulty string           `yaml:"detection_difficulty" json:"detection_difficulty"`
	PayloadVariants     []PayloadVariant `yaml:"payloads" json:"payloads"`
	ValidationChecks    []string         `yaml:"validation_checks" json:"validation_checks"`
}

// DefaultPayloadName is preferred when a technique offers it.
const DefaultPayloadName = "basic"

// Payload resolves a variant by name. An empty name selects "basic" when
// present, else the first declared variant. ok is false when the named
// variant does not exist; the fallback variant is still returned.
func (t AttackTechnique) Payload(name string) (PayloadVariant, bool) {
	if len(t.PayloadVariants) == 0 {
		return PayloadVariant{}, false
	}
	if name != "" {
		for _, v := range t.PayloadVariants {
			if v.Name == name {
				return v, true
			}
		}
	}
	fallback := t.PayloadVariants[0]
	for _, v := range t.PayloadVariants {
		if v.Name == DefaultPayloadName {
			fallback = v
			break
		}
	}
	return fallback, name == ""
}

// Role is the logical name of a roster machine ("alpha", "beta").
type Role string

// DisplayName capitalises the role for human-facing labels.
func (r Role) DisplayName() string {
	s := string(r)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

type ValidationRecord struct {
	Target     string    `json:"target"`
	Command    string    `json:"command"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code"`
	Output     string    `json:"output"`
	Error      string    `json:"error"`
	Timestamp  time.Time `json:"timestamp"`
}

// AttackOutcome is the result of one technique against one roster machine.
// Blocked implies Detected, and DamageDealt is zero exactly when Blocked.
type AttackOutcome struct {
	Role                 Role               `json:"role"`
	Machine              string             `json:"vm"`
	Executed             bool               `json:"attack_executed"`
	ExecutionTimeSeconds float64            `json:"execution_time"`
	Detected             bool               `json:"edr_detected"`
	Blocked              bool               `json:"edr_blocked"`
	ResponseTimeSeconds  float64            `json:"edr_response_time"`
	DamageDealt          int                `json:"damage_dealt"`
	DefensePoints        int                `json:"defense_points"`
	Error                string             `json:"error,omitempty"`
	Validations          []ValidationRecord `json:"validations,omitempty"`
}

type TechniqueResult struct {
	TTPID    string          `json:"ttp_id"`
	Name     string          `json:"ttp_name"`
	Tactic   string          `json:"tactic"`
	Severity Severity        `json:"severity"`
	Payload  string          `json:"payload_variant"`
	Outcomes []AttackOutcome `json:"outcomes"`
}

// Outcome returns the outcome recorded for role, if any.
func (t TechniqueResult) Outcome(role Role) (AttackOutcome, bool) {
	for _, o := range t.Outcomes {
		if o.Role == role {
			return o, true
		}
	}
	return AttackOutcome{}, false
}

type MachineInfo struct {
	Role       Role           `json:"role"`
	Name       string         `json:"name"`
	Address    string         `json:"ip"`
	Reachable  *bool          `json:"reachable,omitempty"`
	EDRStatus  string         `json:"edr_installation,omitempty"`
	SystemInfo map[string]any `json:"system_info,omitempty"`
}

type Infrastructure struct {
	Provider   string        `json:"provider"`
	OSTemplate string        `json:"os_template"`
	EDRVendor  string        `json:"edr_vendor,omitempty"`
	Machines   []MachineInfo `json:"machines"`
}

type RoleScore struct {
	HPRemaining   int `json:"hp_remaining"`
	DamageTaken   int `json:"damage_taken"`
	DefensePoints int `json:"defense_points"`
	TotalScore    int `json:"total_score"`
}

type Verdict struct {
	Winner   Role   `json:"winner,omitempty"`
	TieBreak bool   `json:"tie_break"`
	Draw     bool   `json:"draw"`
	Label    string `json:"label"`
}

type FinalScore map[Role]RoleScore

type TestResult struct {
	TestID          string            `json:"test_id"`
	TestName        string            `json:"test_name"`
	Status          string            `json:"status"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	DurationSeconds float64           `json:"duration_seconds"`
	Infrastructure  Infrastructure    `json:"infrastructure"`
	Attacks         []TechniqueResult `json:"attacks"`
	FinalScore      FinalScore        `json:"final_score"`
	Winner          Verdict           `json:"winner"`
	Errors          []string          `json:"errors,omitempty"`
}

// Stamp records the end of the run.
func (r *TestResult) Stamp(end time.Time) {
	r.EndTime = end
	r.DurationSeconds = end.Sub(r.StartTime).Seconds()
}
