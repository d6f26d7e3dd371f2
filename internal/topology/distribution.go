package topology

import (
	"encoding/json"
	"fmt"
	"slices"
)

type PackageType string

const (
	PackageKit          PackageType = "KIT"
	PackageSagInstaller PackageType = "SAG_INSTALLER"
)

type LicenseType string

const (
	LicenseTerracottaOS LicenseType = "TERRACOTTA_OS"
	LicenseTerracotta   LicenseType = "TERRACOTTA"
	LicenseGo           LicenseType = "GO"
	LicenseMax          LicenseType = "MAX"
)

type RuntimeOption string

const (
	InlineServers RuntimeOption = "INLINE_SERVERS"
)

// Family selects the command builders used for a distribution.
type Family int

const (
	FamilyUnknown Family = iota
	Family43
	Family102
	Family107
)

func (f Family) String() string {
	switch f {
	case Family43:
		return "4.3"
	case Family102:
		return "10.2"
	case Family107:
		return "10.7"
	default:
		return "unknown"
	}
}

// Distribution is immutable once built by NewDistribution.
type Distribution struct {
	Version        Version         `json:"version"`
	PackageType    PackageType     `json:"package_type"`
	LicenseType    LicenseType     `json:"license_type"`
	RuntimeOptions []RuntimeOption `json:"runtime_options,omitempty"`

	family Family
}

func NewDistribution(v Version, pkg PackageType, lic LicenseType, opts ...RuntimeOption) (Distribution, error) {
	if pkg == "" {
		return Distribution{}, fmt.Errorf("package type is required")
	}
	if err := checkLicense(v, lic); err != nil {
		return Distribution{}, err
	}
	family := familyFor(v)
	if family == FamilyUnknown {
		return Distribution{}, fmt.Errorf("no command builders for version %s", v)
	}
	return Distribution{
		Version:        v,
		PackageType:    pkg,
		LicenseType:    lic,
		RuntimeOptions: slices.Clone(opts),
		family:         family,
	}, nil
}

func MustDistribution(v Version, pkg PackageType, lic LicenseType, opts ...RuntimeOption) Distribution {
	d, err := NewDistribution(v, pkg, lic, opts...)
	if err != nil {
		panic(err)
	}
	return d
}

func checkLicense(v Version, lic LicenseType) error {
	if lic == "" {
		return fmt.Errorf("license type is required")
	}
	switch v.Major {
	case 4:
		if lic != LicenseGo && lic != LicenseMax {
			return fmt.Errorf("expected license of type %s or %s for version %s, but found %s", LicenseGo, LicenseMax, v, lic)
		}
	case 3, 5:
		if lic != LicenseTerracottaOS {
			return fmt.Errorf("expected license of type %s for version %s, but found %s", LicenseTerracottaOS, v, lic)
		}
	default:
		if lic != LicenseTerracotta {
			return fmt.Errorf("expected license of type %s for version %s, but found %s", LicenseTerracotta, v, lic)
		}
	}
	return nil
}

func familyFor(v Version) Family {
	switch {
	case v.Major == 10 && v.Minor >= 7,
		v.Major == 5 && v.Minor >= 7,
		v.Major == 3 && v.Minor >= 9:
		return Family107
	case v.Major == 10 || v.Major == 3:
		return Family102
	case v.Major == 4 && v.Minor >= 3:
		return Family43
	default:
		return FamilyUnknown
	}
}

func (d Distribution) Family() Family { return d.family }

func (d Distribution) Has(opt RuntimeOption) bool {
	return slices.Contains(d.RuntimeOptions, opt)
}

// Inline reports whether servers run inside the agent process.
func (d Distribution) Inline() bool {
	return d.family == Family107 && d.Has(InlineServers)
}

// Key identifies the installation a distribution needs. Runtime options do
// not change the kit.
func (d Distribution) Key() string {
	return fmt.Sprintf("%s/%s/%s", d.Version, d.PackageType, d.LicenseType)
}

// KitName is the directory name of the unpacked kit under a kits root.
func (d Distribution) KitName() string {
	var prefix string
	switch d.Version.Major {
	case 3:
		prefix = "ehcache-clustered-"
	case 4:
		if d.LicenseType == LicenseGo {
			prefix = "bigmemory-go-"
		} else {
			prefix = "bigmemory-max-"
		}
	case 5:
		prefix = "terracotta-platform-"
	default:
		prefix = "terracotta-"
	}
	name := prefix + d.Version.String()
	if d.PackageType == PackageSagInstaller {
		name = "sag-" + name
	}
	return name
}

func (d Distribution) Equal(o Distribution) bool {
	return d.Key() == o.Key()
}

func (d Distribution) String() string {
	return fmt.Sprintf("Distribution{version=%s, package=%s, license=%s}", d.Version, d.PackageType, d.LicenseType)
}

// UnmarshalJSON re-runs construction so a decoded distribution carries its
// builder family.
func (d *Distribution) UnmarshalJSON(b []byte) error {
	type plain Distribution
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	built, err := NewDistribution(p.Version, p.PackageType, p.LicenseType, p.RuntimeOptions...)
	if err != nil {
		return err
	}
	*d = built
	return nil
}
