package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const envPrefix = "HARNESS_"

// DefaultProperties are the settings of a run nobody configured.
func DefaultProperties() Properties {
	host, _ := os.Hostname()
	return Properties{
		RootDir:     "/data/cluster-harness",
		JavaVendor:  "zulu",
		JavaVersion: "1.8",
		JavaOpts:    "-Djdk.security.allowNonCaAnchor=false",
		NodeName:    host,
	}
}

// LoadProperties layers defaults, the optional YAML file at path and
// HARNESS_* environment variables, in that order. A missing file is not an
// error.
func LoadProperties(path string, log zerolog.Logger) (Properties, error) {
	p := DefaultProperties()

	if path != "" {
		if err := loadYAML("harness properties", path, &p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Properties{}, err
		}
	}

	if err := p.applyEnv(); err != nil {
		return Properties{}, err
	}

	if p.KitInstallationDir == "" && p.KitInstallationPath != "" {
		log.Warn().Msg("deprecated property kit_installation_path specified, use kit_installation_dir instead")
	}
	return p, nil
}

func (p *Properties) applyEnv() error {
	strs := map[string]*string{
		"ROOT_DIR":              &p.RootDir,
		"KIT_INSTALLATION_DIR":  &p.KitInstallationDir,
		"KIT_INSTALLATION_PATH": &p.KitInstallationPath,
		"JAVA_VENDOR":           &p.JavaVendor,
		"JAVA_VERSION":          &p.JavaVersion,
		"JAVA_OPTS":             &p.JavaOpts,
		"NODE_NAME":             &p.NodeName,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"OFFLINE":                 &p.Offline,
		"SKIP_UNINSTALL":          &p.SkipUninstall,
		"KIT_COPY":                &p.KitCopy,
		"SKIP_KIT_COPY_LOCALHOST": &p.SkipKitCopyLocalhost,
	}
	for name, dst := range bools {
		v, ok := os.LookupEnv(envPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", envPrefix, name, v, err)
		}
		*dst = b
	}
	return nil
}

// KitPath is the configured local kit, preferring kit_installation_dir over
// its deprecated alias. Empty means none.
func (p Properties) KitPath() string {
	if p.KitInstallationDir != "" {
		return p.KitInstallationDir
	}
	return p.KitInstallationPath
}

// JavaOptions splits JavaOpts on whitespace.
func (p Properties) JavaOptions() []string {
	return strings.Fields(p.JavaOpts)
}
