package disruption

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/topology"
)

// PeerTargets maps every other server in the stripe of server to the group
// address a link for it must forward to.
func PeerTargets(t *topology.Topology, server string) map[string]string {
	out := map[string]string{}
	if t == nil {
		return out
	}
	for _, s := range t.StripeOf(server) {
		if s.Name != server {
			out[s.Name] = s.GroupAddr()
		}
	}
	return out
}

// LinkSet is the set of links owned by one source, keyed by target name.
type LinkSet struct {
	alloc *PortAllocator
	log   zerolog.Logger

	mu    sync.Mutex
	links map[string]*Link
}

func NewLinkSet(alloc *PortAllocator, log zerolog.Logger) *LinkSet {
	return &LinkSet{alloc: alloc, log: log, links: map[string]*Link{}}
}

// Sync makes the set match targets exactly: links to names no longer present
// are closed and their ports released, missing ones are created.
func (s *LinkSet) Sync(targets map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, l := range s.links {
		if addr, ok := targets[name]; ok && addr == l.Target {
			continue
		}
		errs = append(errs, s.closeLocked(name, l))
	}

	for _, name := range slices.Sorted(maps.Keys(targets)) {
		if _, ok := s.links[name]; ok {
			continue
		}
		ports, err := s.alloc.Reserve(1)
		if err != nil {
			errs = append(errs, fmt.Errorf("link to %s: %w", name, err))
			continue
		}
		l, err := NewLink(ports[0], targets[name], s.log)
		if err != nil {
			s.alloc.Release(ports...)
			errs = append(errs, err)
			continue
		}
		s.links[name] = l
		s.log.Debug().Str("peer", name).Int("port", l.Port).Msg("link created")
	}
	return errors.Join(errs...)
}

func (s *LinkSet) closeLocked(name string, l *Link) error {
	delete(s.links, name)
	s.alloc.Release(l.Port)
	s.log.Debug().Str("peer", name).Int("port", l.Port).Msg("link removed")
	return l.Close()
}

// Ports maps each target name to its proxy port.
func (s *LinkSet) Ports() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.links))
	for name, l := range s.links {
		out[name] = l.Port
	}
	return out
}

func (s *LinkSet) Disrupt(names ...string) error {
	return s.each(names, (*Link).Disrupt)
}

func (s *LinkSet) Undisrupt(names ...string) error {
	return s.each(names, (*Link).Undisrupt)
}

func (s *LinkSet) each(names []string, fn func(*Link)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.links[name]; !ok {
			return fmt.Errorf("no disruption link to %q", name)
		}
	}
	for _, name := range names {
		fn(s.links[name])
	}
	return nil
}

// Close tears down every link.
func (s *LinkSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, l := range s.links {
		errs = append(errs, s.closeLocked(name, l))
	}
	return errors.Join(errs...)
}
