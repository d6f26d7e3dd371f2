package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// License is a license file to drop next to a kit.
type License struct {
	Filename string `json:"filename"`
	Content  []byte `json:"content"`
}

// WriteTo writes the license into dir and returns the file path.
func (l *License) WriteTo(dir string) (string, error) {
	if l == nil {
		return "", nil
	}
	name := l.Filename
	if name == "" {
		name = "license.xml"
	}
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("license filename %q must not contain a path", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create license dir %q: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, l.Content, 0o644); err != nil {
		return "", fmt.Errorf("write license %q: %w", path, err)
	}
	return path, nil
}

// CommandLineEnv is the runtime environment handed to launched processes.
type CommandLineEnv struct {
	JavaHome    string   `json:"java_home,omitempty"`
	JavaVendor  string   `json:"java_vendor,omitempty"`
	JavaVersion string   `json:"java_version,omitempty"`
	JavaOpts    []string `json:"java_opts,omitempty"`
}

// Vars renders the environment as a variable map. JAVA_HOME falls back to
// the agent's own environment when unset.
func (e CommandLineEnv) Vars() map[string]string {
	out := map[string]string{}
	home := e.JavaHome
	if home == "" {
		home = os.Getenv("JAVA_HOME")
	}
	if home != "" {
		out["JAVA_HOME"] = home
	}
	if len(e.JavaOpts) > 0 {
		out["JAVA_OPTS"] = strings.Join(e.JavaOpts, " ")
	}
	return out
}

// Voter describes a voter process and the servers it votes for.
type Voter struct {
	ID          string   `json:"id"`
	Hostname    string   `json:"hostname"`
	ServerAddrs []string `json:"server_addrs"`
}

// Tms describes a management server.
type Tms struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port,omitempty"`
}

// KitSpec carries the kit resolution flags of one install request. The
// values are already resolved by the coordinator.
type KitSpec struct {
	Name          string   `json:"name"`
	ExplicitPath  string   `json:"explicit_path,omitempty"`
	ForceCopy     bool     `json:"force_copy,omitempty"`
	SkipCopyLocal bool     `json:"skip_copy_local,omitempty"`
	Hostnames     []string `json:"hostnames,omitempty"`
}

type ToolKind string

const (
	ConfigTool  ToolKind = "config-tool"
	ClusterTool ToolKind = "cluster-tool"
)
