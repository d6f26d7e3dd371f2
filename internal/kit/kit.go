package kit

import (
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/topology"
)

// Dirs is where an installation ended up on this agent.
type Dirs struct {
	KitDir      string `yaml:"kit_dir" json:"kit_dir"`
	WorkDir     string `yaml:"work_dir" json:"work_dir"`
	LicensePath string `yaml:"license_path,omitempty" json:"license_path,omitempty"`
	// Explicit marks a kit at a caller-supplied path. It is never modified.
	Explicit bool `yaml:"explicit,omitempty" json:"explicit,omitempty"`
}

// Manager places kits for installations. Kits uploaded by the coordinator
// live under KitsDir; installations live under WorkRoot/<instanceID>.
type Manager struct {
	KitsDir  string
	WorkRoot string

	log zerolog.Logger
}

func NewManager(kitsDir, workRoot string, log zerolog.Logger) *Manager {
	return &Manager{
		KitsDir:  kitsDir,
		WorkRoot: workRoot,
		log:      log.With().Str("module", "kit").Logger(),
	}
}

// InstanceDir is the root of everything an instance owns on this agent.
func (m *Manager) InstanceDir(id topology.InstanceID) string {
	return filepath.Join(m.WorkRoot, string(id))
}

// KitDir is where an uploaded kit named kitName is kept.
func (m *Manager) KitDir(kitName string) string {
	return filepath.Join(m.KitsDir, kitName)
}

// Resolve locates or prepares the kit for one installation. ok is false when
// the kit is not present on this agent and must be uploaded first.
func (m *Manager) Resolve(id topology.InstanceID, spec topology.KitSpec, license *topology.License) (Dirs, bool, error) {
	if err := id.Validate(); err != nil {
		return Dirs{}, false, err
	}
	workDir := m.InstanceDir(id)

	if spec.ExplicitPath != "" {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			m.log.Warn().Err(err).Str("dir", workDir).Msg("could not create work dir")
		}
		lic, err := license.WriteTo(workDir)
		if err != nil {
			return Dirs{}, false, err
		}
		m.log.Info().Str("instance", string(id)).Str("kit", spec.ExplicitPath).Msg("using kit at explicit path")
		return Dirs{KitDir: spec.ExplicitPath, WorkDir: workDir, LicensePath: lic, Explicit: true}, true, nil
	}

	if spec.Name == "" {
		return Dirs{}, false, fmt.Errorf("kit name is required")
	}
	src := m.KitDir(spec.Name)
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		m.log.Debug().Str("kit", src).Msg("kit not present on this agent")
		return Dirs{}, false, nil
	}

	if spec.SkipCopyLocal && !spec.ForceCopy && AllLocal(spec.Hostnames) {
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return Dirs{}, false, fmt.Errorf("create work dir %q: %w", workDir, err)
		}
		lic, err := license.WriteTo(src)
		if err != nil {
			return Dirs{}, false, err
		}
		m.log.Info().Str("instance", string(id)).Str("kit", src).Msg("skipping kit copy for local installation")
		return Dirs{KitDir: src, WorkDir: workDir, LicensePath: lic}, true, nil
	}

	dst := filepath.Join(workDir, spec.Name)
	if err := CopyTree(src, dst); err != nil {
		return Dirs{}, false, fmt.Errorf("copy kit %s: %w", spec.Name, err)
	}
	lic, err := license.WriteTo(workDir)
	if err != nil {
		return Dirs{}, false, err
	}
	m.log.Info().Str("instance", string(id)).Str("kit", dst).Msg("kit copied")
	return Dirs{KitDir: dst, WorkDir: workDir, LicensePath: lic}, true, nil
}

// Remove deletes an instance root. Explicit kits live outside of it and are
// never reached.
func (m *Manager) Remove(id topology.InstanceID) error {
	if err := id.Validate(); err != nil {
		return err
	}
	dir := m.InstanceDir(id)
	m.log.Info().Str("dir", dir).Msg("removing instance directory")
	return DeleteTree(dir)
}

// AllLocal reports whether every hostname resolves to this machine.
func AllLocal(hostnames []string) bool {
	if len(hostnames) == 0 {
		return false
	}
	for _, h := range hostnames {
		if !IsLocal(h) {
			return false
		}
	}
	return true
}

// IsLocal reports whether hostname names this machine.
func IsLocal(hostname string) bool {
	switch strings.ToLower(hostname) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if self, err := os.Hostname(); err == nil && strings.EqualFold(self, hostname) {
		return true
	}
	addrs, err := net.LookupIP(hostname)
	if err != nil {
		return false
	}
	local, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if a.IsLoopback() {
			return true
		}
		for _, l := range local {
			if n, ok := l.(*net.IPNet); ok && n.IP.Equal(a) {
				return true
			}
		}
	}
	return false
}

// CopyTree copies src into dst, keeping file modes.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// DeleteTree removes dir and everything below it. A missing dir is fine.
func DeleteTree(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete %s: %w", dir, err)
	}
	return nil
}
