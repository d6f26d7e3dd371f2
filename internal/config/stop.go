package config

import (
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/faradayfan/cluster-harness/internal/distribution"
	"github.com/faradayfan/cluster-harness/internal/process"
)

// Grace periods used when nothing is configured. Servers get longer to
// flush their data.
const (
	DefaultServerGrace = 30 * time.Second
	DefaultGrace       = 10 * time.Second
)

// ParseStop turns the stop section into a policy per process kind. owner
// names the configuration in errors.
func ParseStop(owner string, s Stop) (distribution.StopPolicy, error) {
	shared := merge(StopSettings{Signal: "SIGTERM"}, s.StopSettings)

	var policy distribution.StopPolicy
	for _, k := range []struct {
		name  string
		own   StopSettings
		grace time.Duration
		out   *process.StopConfig
	}{
		{"servers", s.Servers, DefaultServerGrace, &policy.Server},
		{"voters", s.Voters, DefaultGrace, &policy.Voter},
		{"tms", s.Tms, DefaultGrace, &policy.Tms},
	} {
		cfg, err := convert(merge(shared, k.own), k.grace)
		if err != nil {
			return distribution.StopPolicy{}, fmt.Errorf("%s stop.%s: %w", owner, k.name, err)
		}
		*k.out = cfg
	}
	return policy, nil
}

// merge overlays the non-empty fields of over on base.
func merge(base, over StopSettings) StopSettings {
	if v := strings.TrimSpace(over.Signal); v != "" {
		base.Signal = v
	}
	if v := strings.TrimSpace(over.GracePeriod); v != "" {
		base.GracePeriod = v
	}
	return base
}

func convert(s StopSettings, grace time.Duration) (process.StopConfig, error) {
	sig, err := parseSignal(s.Signal)
	if err != nil {
		return process.StopConfig{}, fmt.Errorf("invalid signal %q: %w", s.Signal, err)
	}
	cfg := process.StopConfig{Signal: sig, GracePeriod: grace}

	if s.GracePeriod != "" {
		d, err := time.ParseDuration(s.GracePeriod)
		if err != nil {
			return process.StopConfig{}, fmt.Errorf("invalid grace_period %q: %w", s.GracePeriod, err)
		}
		if d <= 0 {
			return process.StopConfig{}, fmt.Errorf("invalid grace_period %q: must be positive", s.GracePeriod)
		}
		cfg.GracePeriod = d
	}
	return cfg, nil
}

func parseSignal(s string) (syscall.Signal, error) {
	u := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(u, "SIG") {
		u = "SIG" + u
	}

	switch u {
	case "SIGTERM":
		return syscall.SIGTERM, nil
	case "SIGINT":
		return syscall.SIGINT, nil
	case "SIGKILL":
		return syscall.SIGKILL, nil
	case "SIGHUP":
		return syscall.SIGHUP, nil
	case "SIGQUIT":
		return syscall.SIGQUIT, nil
	default:
		return 0, fmt.Errorf("unsupported signal (try SIGTERM, SIGINT, SIGKILL, SIGHUP, SIGQUIT)")
	}
}
