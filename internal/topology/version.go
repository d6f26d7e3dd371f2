package topology

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a product version of the form
// major.minor.revision[.buildMajor[.buildMinor]][-qualifier].
type Version struct {
	Major      int
	Minor      int
	Revision   int
	BuildMajor int
	BuildMinor int
	Qualifier  string

	raw string
}

func ParseVersion(s string) (Version, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return Version{}, fmt.Errorf("empty version")
	}

	numbers, qualifier, _ := strings.Cut(raw, "-")
	parts := strings.Split(numbers, ".")
	if len(parts) < 3 || len(parts) > 5 {
		return Version{}, fmt.Errorf("invalid version %q: expected 3 to 5 numeric components", raw)
	}

	vals := make([]int, 5)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: component %q is not a number", raw, p)
		}
		vals[i] = n
	}

	return Version{
		Major:      vals[0],
		Minor:      vals[1],
		Revision:   vals[2],
		BuildMajor: vals[3],
		BuildMinor: vals[4],
		Qualifier:  qualifier,
		raw:        raw,
	}, nil
}

func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	if v.raw != "" {
		return v.raw
	}
	return v.ShortVersion()
}

// ShortVersion is major.minor.revision.
func (v Version) ShortVersion() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
}

func (v Version) IsSnapshot() bool {
	return strings.EqualFold(v.Qualifier, "SNAPSHOT")
}

// AtLeast compares major and minor only.
func (v Version) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := ParseVersion(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
