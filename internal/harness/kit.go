package harness

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/faradayfan/cluster-harness/internal/config"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// LocalKitManager locates the coordinator's copy of a distribution's kit.
type LocalKitManager struct {
	dist  topology.Distribution
	props config.Properties
}

func NewLocalKitManager(d topology.Distribution, props config.Properties) *LocalKitManager {
	return &LocalKitManager{dist: d, props: props}
}

func (m *LocalKitManager) Distribution() topology.Distribution { return m.dist }

// KitName is the directory name of the kit on every node.
func (m *LocalKitManager) KitName() string {
	return m.dist.KitName()
}

// Explicit reports whether the run points at a kit installation directory.
func (m *LocalKitManager) Explicit() bool {
	return m.props.KitPath() != ""
}

// KitPath is the local kit: the configured installation directory, or the
// kit cache under the root dir.
func (m *LocalKitManager) KitPath() string {
	if p := m.props.KitPath(); p != "" {
		return p
	}
	return filepath.Join(m.props.RootDir, "kits", m.KitName())
}

// Setup checks the local kit is usable.
func (m *LocalKitManager) Setup() error {
	path := m.KitPath()
	info, err := os.Stat(path)
	if err == nil && info.IsDir() {
		return nil
	}
	if m.Explicit() {
		return fmt.Errorf("kit installation dir %s is not a directory", path)
	}
	if m.props.Offline {
		return fmt.Errorf("kit %s is missing from %s and the run is offline", m.KitName(), path)
	}
	return fmt.Errorf("kit %s is missing from %s: unpack it there or set kit_installation_dir", m.KitName(), path)
}

// Spec is the kit part of an install request for a component spread over
// hostnames. The explicit path is only handed out when no copy is forced.
func (m *LocalKitManager) Spec(hostnames []string) topology.KitSpec {
	spec := topology.KitSpec{
		Name:          m.KitName(),
		ForceCopy:     m.props.KitCopy,
		SkipCopyLocal: m.props.SkipKitCopyLocalhost,
		Hostnames:     hostnames,
	}
	if m.Explicit() && !m.props.KitCopy {
		spec.ExplicitPath = m.KitPath()
	}
	return spec
}
