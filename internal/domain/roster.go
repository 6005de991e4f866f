package domain

import (
	"fmt"
	"strings"
)

// RosterSize is the number of machines a duel needs.
const RosterSize = 2

type RosterEntry struct {
	Role        Role   `json:"role"`
	MachineName string `json:"machine_name"`
	OutputKey   string `json:"output_key"`
	Address     string `json:"address"`
}

// Roster is the ordered set of provisioned machines. A non-empty roster
// always holds exactly RosterSize entries with distinct roles.
type Roster struct {
	entries []RosterEntry
}

// RoleBinding ties a role to the IaC output key that carries its address.
type RoleBinding struct {
	Role        Role   `yaml:"role" json:"role"`
	MachineName string `yaml:"machine_name" json:"machine_name"`
	OutputKey   string `yaml:"output_key" json:"output_key"`
}

// DefaultRoleBindings is the alpha/beta pair the IaC workspaces expose.
func DefaultRoleBindings() []RoleBinding {
	return []RoleBinding{
		{Role: "alpha", MachineName: "Host-A-Alpha", OutputKey: "ip_competidor_a"},
		{Role: "beta", MachineName: "Host-B-Beta", OutputKey: "ip_competidor_b"},
	}
}

// Roles lists the roles of bindings in order.
func Roles(bindings []RoleBinding) []Role {
	out := make([]Role, len(bindings))
	for i, b := range bindings {
		out[i] = b.Role
	}
	return out
}

// NewRoster resolves every binding against outputs. Missing or blank
// addresses yield a RosterIncomplete error naming the absent roles.
func NewRoster(bindings []RoleBinding, outputs map[string]string) (Roster, error) {
	if len(bindings) != RosterSize {
		return Roster{}, New(KindRosterIncomplete,
			fmt.Sprintf("roster needs exactly %d roles, got %d", RosterSize, len(bindings)))
	}

	var (
		entries []RosterEntry
		missing []string
	)
	seen := make(map[Role]bool, len(bindings))
	for _, b := range bindings {
		if seen[b.Role] {
			return Roster{}, New(KindRosterIncomplete, fmt.Sprintf("duplicate role %q", b.Role))
		}
		seen[b.Role] = true

		addr := strings.TrimSpace(outputs[b.OutputKey])
		if addr == "" {
			missing = append(missing, string(b.Role))
			continue
		}
		entries = append(entries, RosterEntry{Role: b.Role, MachineName: b.MachineName, OutputKey: b.OutputKey, Address: addr})
	}

	if len(missing) > 0 {
		return Roster{}, New(KindRosterIncomplete, "no address for roles: "+strings.Join(missing, ", ")).
			WithContext("missing_roles", missing)
	}
	return Roster{entries: entries}, nil
}

func (r Roster) Entries() []RosterEntry {
	out := make([]RosterEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r Roster) Len() int { return len(r.entries) }

func (r Roster) Ready() bool { return len(r.entries) == RosterSize }

func (r Roster) Address(role Role) (string, bool) {
	for _, e := range r.entries {
		if e.Role == role {
			return e.Address, true
		}
	}
	return "", false
}
