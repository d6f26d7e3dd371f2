package topology

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// InstanceID names one test run's namespace on every agent. It is used both
// as a registry key and as a directory name under the agent work root.
type InstanceID string

func NewInstanceID(prefix, kind string) InstanceID {
	if prefix == "" {
		prefix = uuid.NewString()[:8]
	}
	return InstanceID(prefix + "-" + kind)
}

// NewRunPrefix returns a prefix unique to one coordinator run.
func NewRunPrefix() string {
	return uuid.NewString()
}

func (id InstanceID) String() string { return string(id) }

func (id InstanceID) Validate() error {
	s := string(id)
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("instance id is required")
	}
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) {
		return fmt.Errorf("instance id %q is not a valid path segment", s)
	}
	return nil
}
