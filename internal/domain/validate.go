package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var ttpIDPattern = regexp.MustCompile(`^T\d{4}(\.\d{3})?$`)

// ValidTTPID reports whether id looks like a MITRE ATT&CK technique id.
func ValidTTPID(id string) bool {
	return ttpIDPattern.MatchString(id)
}

var (
	requiredJobFields = []string{"test_id", "test_name", "cloud_provider", "os_template", "vm_config"}
	requiredVMFields  = []string{"vm_cpu", "vm_ram_mb", "vm_switch_name", "base_vhdx_path", "admin_user", "admin_password"}
)

// JobLimits bounds what a job may request.
type JobLimits struct {
	Providers   []string `yaml:"providers"`
	OSTemplates []string `yaml:"os_templates"`
	MinCPU      int      `yaml:"min_cpu"`
	MaxCPU      int      `yaml:"max_cpu"`
	MinRAMMB    int      `yaml:"min_ram_mb"`
	MaxRAMMB    int      `yaml:"max_ram_mb"`
}

func DefaultJobLimits() JobLimits {
	return JobLimits{
		Providers: []string{"hyperv", "azure", "aws", "gcp"},
		OSTemplates: []string{
			"windows-server-2022-base",
			"windows-server-2019-base",
			"windows-11-pro",
			"windows-10-pro",
			"windows-10-enterprise",
		},
		MinCPU:   1,
		MaxCPU:   16,
		MinRAMMB: 1024,
		MaxRAMMB: 32768,
	}
}

// DecodeJob parses a JSON job, rejecting payloads that omit a required
// field before looking at values.
func DecodeJob(data []byte) (TestJob, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return TestJob{}, Wrap(KindValidation, "job is not a JSON object", err)
	}
	for _, f := range requiredJobFields {
		if _, ok := raw[f]; !ok {
			return TestJob{}, New(KindValidation, "missing required field: "+f).WithContext("field", f)
		}
	}

	var vm map[string]json.RawMessage
	if err := json.Unmarshal(raw["vm_config"], &vm); err != nil || vm == nil {
		return TestJob{}, New(KindValidation, "vm_config must be an object").WithContext("field", "vm_config")
	}
	for _, f := range requiredVMFields {
		if _, ok := vm[f]; !ok {
			return TestJob{}, New(KindValidation, "missing required field in vm_config: "+f).
				WithContext("field", "vm_config."+f)
		}
	}

	var job TestJob
	if err := json.Unmarshal(data, &job); err != nil {
		return TestJob{}, Wrap(KindValidation, "malformed job", err)
	}
	return job, nil
}

// Validate checks field values against limits. All problems are reported
// together.
func (j TestJob) Validate(l JobLimits) error {
	var problems []string

	if strings.TrimSpace(j.TestID) == "" {
		problems = append(problems, "test_id is required")
	}
	if strings.TrimSpace(j.TestName) == "" {
		problems = append(problems, "test_name is required")
	}
	if len(l.Providers) > 0 && !slices.Contains(l.Providers, j.CloudProvider) {
		problems = append(problems, fmt.Sprintf("cloud_provider %q not allowed (allowed: %s)",
			j.CloudProvider, strings.Join(l.Providers, ", ")))
	}
	if len(l.OSTemplates) > 0 && !slices.Contains(l.OSTemplates, j.OSTemplate) {
		problems = append(problems, fmt.Sprintf("os_template %q not allowed", j.OSTemplate))
	}

	vm := j.VMConfig
	if vm.CPU < l.MinCPU || vm.CPU > l.MaxCPU {
		problems = append(problems, fmt.Sprintf("vm_cpu must be between %d and %d", l.MinCPU, l.MaxCPU))
	}
	if vm.RAMMB < l.MinRAMMB || vm.RAMMB > l.MaxRAMMB {
		problems = append(problems, fmt.Sprintf("vm_ram_mb must be between %d and %d", l.MinRAMMB, l.MaxRAMMB))
	}
	if vm.AdminUser == "" {
		problems = append(problems, "vm_config.admin_user is required")
	}
	if vm.AdminPassword == "" {
		problems = append(problems, "vm_config.admin_password is required")
	}

	if len(problems) > 0 {
		return New(KindValidation, strings.Join(problems, "; ")).WithContext("problems", problems)
	}
	return nil
}
