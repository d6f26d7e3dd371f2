package config

// AgentConfig matches the shape of configs/agent.yaml
type AgentConfig struct {
	NodeName string `yaml:"node_name"`
	HubAddr  string `yaml:"hub_addr"`
	// Hostname and Port are the address coordinators use for this agent.
	Hostname   string            `yaml:"hostname"`
	Port       int               `yaml:"port"`
	WorkDir    string            `yaml:"work_dir"`
	KitsDir    string            `yaml:"kits_dir"`
	StatusAddr string            `yaml:"status_addr"`
	StatePath  string            `yaml:"state_path"`
	LogLevel   string            `yaml:"log_level"`
	Attributes map[string]string `yaml:"attributes"`
	Stop       Stop              `yaml:"stop"`
}

// Stop is how the agent stops what it launched. The inline settings apply
// to every kind; servers, voters and tms override them.
type Stop struct {
	StopSettings `yaml:",inline"`
	Servers      StopSettings `yaml:"servers"`
	Voters       StopSettings `yaml:"voters"`
	Tms          StopSettings `yaml:"tms"`
}

type StopSettings struct {
	Signal      string `yaml:"signal"`       // e.g. "SIGTERM"
	GracePeriod string `yaml:"grace_period"` // e.g. "15s"
}

// Properties are the harness settings of a test run.
type Properties struct {
	RootDir string `yaml:"root_dir"`
	// KitInstallationDir points at an unpacked kit to use instead of a
	// downloaded one.
	KitInstallationDir string `yaml:"kit_installation_dir"`
	// KitInstallationPath is the deprecated name of KitInstallationDir.
	KitInstallationPath  string `yaml:"kit_installation_path"`
	Offline              bool   `yaml:"offline"`
	SkipUninstall        bool   `yaml:"skip_uninstall"`
	KitCopy              bool   `yaml:"kit_copy"`
	SkipKitCopyLocalhost bool   `yaml:"skip_kit_copy_localhost"`
	JavaVendor           string `yaml:"java_vendor"`
	JavaVersion          string `yaml:"java_version"`
	JavaOpts             string `yaml:"java_opts"`
	NodeName             string `yaml:"node_name"`
}
