package instances

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/kit"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// Kind is what an installation is for.
type Kind string

const (
	KindServer      Kind = "server"
	KindTms         Kind = "tms"
	KindVoter       Kind = "voter"
	KindConfigTool  Kind = "config-tool"
	KindClusterTool Kind = "cluster-tool"
)

// Key identifies one installation on an agent.
type Key struct {
	InstanceID   topology.InstanceID `yaml:"instance_id" json:"instance_id"`
	Kind         Kind                `yaml:"kind" json:"kind"`
	Distribution string              `yaml:"distribution" json:"distribution"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.InstanceID, k.Kind, k.Distribution)
}

// Record is one installation and the members depending on it. A member
// installed twice counts twice.
type Record struct {
	Key      `yaml:",inline"`
	kit.Dirs `yaml:",inline"`
	Members  map[string]int `yaml:"members" json:"members"`
}

// Refs is the total reference count over all members.
func (r Record) Refs() int {
	n := 0
	for _, c := range r.Members {
		n += c
	}
	return n
}

func (r Record) clone() Record {
	r.Members = maps.Clone(r.Members)
	return r
}

// ResolveFunc materializes the kit for a new record. ok=false means the kit
// is unavailable and no record is created.
type ResolveFunc func() (dirs kit.Dirs, ok bool, err error)

// Registry tracks installations per instance. Mutations for one instance id
// are serialized; different ids proceed independently.
type Registry struct {
	mu      sync.Mutex
	records map[Key]*Record
	locks   map[topology.InstanceID]*idLock

	store   *Store
	cleanup func(topology.InstanceID) error
	log     zerolog.Logger
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry builds an empty registry. cleanup runs when the last record
// of an instance id is released; store may be nil.
func NewRegistry(store *Store, cleanup func(topology.InstanceID) error, log zerolog.Logger) *Registry {
	return &Registry{
		records: map[Key]*Record{},
		locks:   map[topology.InstanceID]*idLock{},
		store:   store,
		cleanup: cleanup,
		log:     log.With().Str("module", "registry").Logger(),
	}
}

// Lock serializes work on one instance id and returns the unlock func.
func (r *Registry) Lock(id topology.InstanceID) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &idLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}

// Tx changes the installations of one instance id while its lock is held.
// Callers keep their own bookkeeping in step with the registry inside it.
type Tx struct {
	r  *Registry
	id topology.InstanceID
}

// Begin locks id and returns a Tx for it with the func ending it.
func (r *Registry) Begin(id topology.InstanceID) (Tx, func()) {
	return Tx{r: r, id: id}, r.Lock(id)
}

func (tx Tx) check(key Key) error {
	if key.InstanceID != tx.id {
		return fmt.Errorf("installation %s is outside instance %s", key, tx.id)
	}
	return nil
}

func (tx Tx) Acquire(key Key, member string, resolve ResolveFunc) (Record, bool, error) {
	if err := tx.check(key); err != nil {
		return Record{}, false, err
	}
	return tx.r.acquireLocked(key, member, resolve)
}

func (tx Tx) Release(key Key, member string) (Record, bool, error) {
	if err := tx.check(key); err != nil {
		return Record{}, false, err
	}
	return tx.r.releaseLocked(key, member)
}

// Acquire adds member to the installation at key, creating it through
// resolve when absent. It reports false without side effects when resolve
// cannot find a kit.
func (r *Registry) Acquire(key Key, member string, resolve ResolveFunc) (Record, bool, error) {
	unlock := r.Lock(key.InstanceID)
	defer unlock()
	return r.acquireLocked(key, member, resolve)
}

func (r *Registry) acquireLocked(key Key, member string, resolve ResolveFunc) (Record, bool, error) {
	r.mu.Lock()
	rec, ok := r.records[key]
	if ok {
		rec.Members[member]++
		out := rec.clone()
		r.mu.Unlock()
		r.log.Debug().Str("key", key.String()).Str("member", member).Int("refs", out.Refs()).Msg("reusing installation")
		r.persist()
		return out, true, nil
	}
	r.mu.Unlock()

	dirs, found, err := resolve()
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, nil
	}

	rec = &Record{Key: key, Dirs: dirs, Members: map[string]int{member: 1}}
	r.mu.Lock()
	r.records[key] = rec
	out := rec.clone()
	r.mu.Unlock()

	r.log.Info().Str("key", key.String()).Str("member", member).Str("kit_dir", dirs.KitDir).Msg("installation created")
	r.persist()
	return out, true, nil
}

// Release drops one reference of member. When the record has no references
// left it is removed, and when it was the last record of its instance id the
// instance root is cleaned up. Unknown keys or members are ignored.
func (r *Registry) Release(key Key, member string) (Record, bool, error) {
	unlock := r.Lock(key.InstanceID)
	defer unlock()
	return r.releaseLocked(key, member)
}

func (r *Registry) releaseLocked(key Key, member string) (Record, bool, error) {
	r.mu.Lock()
	rec, ok := r.records[key]
	if !ok || rec.Members[member] == 0 {
		r.mu.Unlock()
		r.log.Info().Str("key", key.String()).Str("member", member).Msg("not installed, nothing to release")
		return Record{}, false, nil
	}
	rec.Members[member]--
	if rec.Members[member] == 0 {
		delete(rec.Members, member)
	}
	out := rec.clone()
	last := len(rec.Members) == 0
	if last {
		delete(r.records, key)
	}
	rootFree := last && !r.hasInstanceLocked(key.InstanceID)
	r.mu.Unlock()

	r.persist()
	if !last {
		r.log.Debug().Str("key", key.String()).Str("member", member).Int("refs", out.Refs()).Msg("installation still in use")
		return out, false, nil
	}

	r.log.Info().Str("key", key.String()).Msg("installation removed")
	if rootFree && r.cleanup != nil {
		if err := r.cleanup(key.InstanceID); err != nil {
			return out, true, err
		}
	}
	return out, true, nil
}

func (r *Registry) hasInstanceLocked(id topology.InstanceID) bool {
	for k := range r.records {
		if k.InstanceID == id {
			return true
		}
	}
	return false
}

func (r *Registry) Get(key Key) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Find returns the record of kind for id whichever distribution it holds.
func (r *Registry) Find(id topology.InstanceID, kind Kind) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, rec := range r.records {
		if k.InstanceID == id && k.Kind == kind {
			return rec.clone(), true
		}
	}
	return Record{}, false
}

// Snapshot lists every record ordered by key.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})
	return out
}

func (r *Registry) persist() {
	if r.store == nil {
		return
	}
	if err := r.store.Update(r.Snapshot); err != nil {
		r.log.Warn().Err(err).Str("path", r.store.Path).Msg("could not save installations")
	}
}
