package domain

type VMConfig struct {
	CPU           int    `json:"vm_cpu" yaml:"vm_cpu"`
	RAMMB         int    `json:"vm_ram_mb" yaml:"vm_ram_mb"`
	SwitchName    string `json:"vm_switch_name" yaml:"vm_switch_name"`
	BaseImagePath string `json:"base_vhdx_path" yaml:"base_vhdx_path"`
	AdminUser     string `json:"admin_user" yaml:"admin_user"`
	AdminPassword string `json:"admin_password" yaml:"admin_password"`
}

type EDRConfig struct {
	VendorName string `json:"vendor_name" yaml:"vendor_name"`
	// InstallationScript is base64-encoded PowerShell.
	InstallationScript string `json:"installation_script_base64" yaml:"installation_script_base64"`
}

type AttackConfig struct {
	TTPID          string `json:"ttp_id" yaml:"ttp_id"`
	PayloadVariant string `json:"payload_variant,omitempty" yaml:"payload_variant,omitempty"`
}

// TestJob describes one duel. It is not modified once a run starts.
type TestJob struct {
	TestID        string        `json:"test_id" yaml:"test_id"`
	TestName      string        `json:"test_name" yaml:"test_name"`
	CloudProvider string        `json:"cloud_provider" yaml:"cloud_provider"`
	OSTemplate    string        `json:"os_template" yaml:"os_template"`
	VMConfig      VMConfig      `json:"vm_config" yaml:"vm_config"`
	EDRConfig     *EDRConfig    `json:"edr_config,omitempty" yaml:"edr_config,omitempty"`
	AttackConfig  *AttackConfig `json:"attack_config,omitempty" yaml:"attack_config,omitempty"`
}

func (j TestJob) HasEDRScript() bool {
	return j.EDRConfig != nil && j.EDRConfig.InstallationScript != ""
}

// RequestedTechnique returns the single technique named by the job, or "".
func (j TestJob) RequestedTechnique() string {
	if j.AttackConfig == nil {
		return ""
	}
	return j.AttackConfig.TTPID
}

func (j TestJob) RequestedPayload() string {
	if j.AttackConfig == nil {
		return ""
	}
	return j.AttackConfig.PayloadVariant
}
