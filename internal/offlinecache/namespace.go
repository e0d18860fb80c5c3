package offlinecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Scope names a family of cache namespaces. Exactly one version per scope is
// current at a time; activating a version garbage-collects the rest.
type Scope string

const (
	ScopeStaticAssets     Scope = "static-assets"
	ScopeDynamicResponses Scope = "dynamic-responses"
)

// NamespaceKey identifies a versioned bucket of cached request/response
// pairs. The persisted identifier is "<scope>-<version>".
type NamespaceKey struct {
	Scope   Scope
	Version string
}

func (k NamespaceKey) String() string {
	return string(k.Scope) + "-" + k.Version
}

// RequestIdentity is the canonical cache key for a request. Only read-only
// methods are cacheable.
type RequestIdentity struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

func (id RequestIdentity) Key() string {
	return id.Method + " " + id.URL
}

func (id RequestIdentity) Cacheable() bool {
	switch id.Method {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}

// CachedResponse is a stored response body plus enough metadata to replay it.
type CachedResponse struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

func (r CachedResponse) ok() bool {
	return r.Status >= 200 && r.Status <= 299
}

type cacheEntry struct {
	Identity RequestIdentity `json:"identity"`
	Response CachedResponse  `json:"response"`
	Seq      uint64          `json:"seq"`
}

// Namespace is a handle to one versioned bucket. All mutation goes through
// the owning NamespaceManager.
type Namespace struct {
	Key NamespaceKey

	entries map[string]cacheEntry
}

type persistedCaches struct {
	Seq        uint64                 `json:"seq"`
	Current    map[Scope]string       `json:"current"`
	Namespaces map[string]persistedNS `json:"namespaces"`
}

type persistedNS struct {
	Scope   Scope        `json:"scope"`
	Version string       `json:"version"`
	Entries []cacheEntry `json:"entries"`
}

// CacheStateBackend persists namespace contents across agent restarts.
type CacheStateBackend interface {
	Load() (*persistedCaches, error)
	Save(state *persistedCaches) error
}

// NamespaceManager owns every cache namespace and the current-version map.
type NamespaceManager struct {
	mu      sync.Mutex
	spaces  map[NamespaceKey]*Namespace
	current map[Scope]string
	seq     uint64
	backend CacheStateBackend
	logger  Logger
}

func NewNamespaceManager(backend CacheStateBackend, logger Logger) (*NamespaceManager, error) {
	m := &NamespaceManager{
		spaces:  map[NamespaceKey]*Namespace{},
		current: map[Scope]string{},
		backend: backend,
		logger:  logger,
	}
	if backend != nil {
		snapshot, err := backend.Load()
		if err != nil {
			return nil, fmt.Errorf("load cache state: %w", err)
		}
		if snapshot != nil {
			m.restoreLocked(snapshot)
		}
	}
	return m, nil
}

// Open returns the namespace for (scope, version), creating it if absent.
func (m *NamespaceManager) Open(scope Scope, version string) (*Namespace, error) {
	if scope == "" || strings.TrimSpace(version) == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := NamespaceKey{Scope: scope, Version: version}
	ns, ok := m.spaces[key]
	if !ok {
		ns = &Namespace{Key: key, entries: map[string]cacheEntry{}}
		m.spaces[key] = ns
		m.saveLocked()
	}
	return ns, nil
}

// Activate marks version current for every scope that defines a namespace at
// that version, then deletes every same-scope namespace of a different
// version. Deletion is best-effort: a missing namespace is logged and
// skipped, never fatal.
func (m *NamespaceManager) Activate(version string) error {
	if strings.TrimSpace(version) == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	activated := map[Scope]bool{}
	for key := range m.spaces {
		if key.Version == version {
			activated[key.Scope] = true
			m.current[key.Scope] = version
		}
	}
	if len(activated) == 0 {
		return fmt.Errorf("%w: no namespace defines version %s", ErrNotFound, version)
	}
	for key := range m.spaces {
		if !activated[key.Scope] || key.Version == version {
			continue
		}
		if err := m.deleteLocked(key); err != nil {
			m.logf("cleanup of namespace %s failed: %v", key, err)
		}
	}
	m.saveLocked()
	return nil
}

// Put stores a response under identity. Only 2xx responses are stored; the
// write fully succeeds or the entry stays absent. A prior entry with the same
// identity is overwritten and re-enters insertion order at the tail.
func (m *NamespaceManager) Put(ns *Namespace, identity RequestIdentity, response CachedResponse) error {
	if ns == nil {
		return ErrInvalidInput
	}
	if !identity.Cacheable() {
		return fmt.Errorf("%w: method %s is not cacheable", ErrInvalidInput, identity.Method)
	}
	if !response.ok() {
		return fmt.Errorf("%w: status %d is not storable", ErrInvalidInput, response.Status)
	}
	if response.StoredAt.IsZero() {
		response.StoredAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.spaces[ns.Key]; !ok {
		return fmt.Errorf("%w: namespace %s", ErrNamespaceCorrupt, ns.Key)
	}
	m.seq++
	ns.entries[identity.Key()] = cacheEntry{
		Identity: identity,
		Response: response,
		Seq:      m.seq,
	}
	m.saveLocked()
	return nil
}

// Match looks an identity up in a specific namespace.
func (m *NamespaceManager) Match(ns *Namespace, identity RequestIdentity) (CachedResponse, bool) {
	if ns == nil {
		return CachedResponse{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := ns.entries[identity.Key()]
	if !ok {
		return CachedResponse{}, false
	}
	return entry.Response, true
}

// MatchScope looks an identity up in the current namespace of a scope.
func (m *NamespaceManager) MatchScope(scope Scope, identity RequestIdentity) (CachedResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.current[scope]
	if !ok {
		return CachedResponse{}, false
	}
	ns, ok := m.spaces[NamespaceKey{Scope: scope, Version: version}]
	if !ok {
		return CachedResponse{}, false
	}
	entry, ok := ns.entries[identity.Key()]
	if !ok {
		return CachedResponse{}, false
	}
	return entry.Response, true
}

// CurrentVersion reports the active version for a scope, if any.
func (m *NamespaceManager) CurrentVersion(scope Scope) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	version, ok := m.current[scope]
	return version, ok
}

// Len reports how many entries a namespace holds.
func (m *NamespaceManager) Len(ns *Namespace) int {
	if ns == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(ns.entries)
}

// Trim evicts the oldest entries by insertion order until at most bound
// remain. This is a FIFO bound, not LRU: reads never promote an entry.
func (m *NamespaceManager) Trim(ns *Namespace, bound int) int {
	if ns == nil || bound < 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ns.entries) <= bound {
		return 0
	}
	entries := make([]cacheEntry, 0, len(ns.entries))
	for _, entry := range ns.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	evicted := 0
	for _, entry := range entries[:len(entries)-bound] {
		delete(ns.entries, entry.Identity.Key())
		evicted++
	}
	if evicted > 0 {
		m.saveLocked()
	}
	return evicted
}

// Delete removes one namespace.
func (m *NamespaceManager) Delete(key NamespaceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.deleteLocked(key)
	m.saveLocked()
	return err
}

// DeleteAll removes every namespace for every scope and clears the
// current-version map. Used by the clear-all control signal.
func (m *NamespaceManager) DeleteAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spaces = map[NamespaceKey]*Namespace{}
	m.current = map[Scope]string{}
	m.saveLocked()
}

// List reports every namespace identifier with its entry count, sorted.
func (m *NamespaceManager) List() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]int, len(m.spaces))
	for key, ns := range m.spaces {
		result[key.String()] = len(ns.entries)
	}
	return result
}

func (m *NamespaceManager) deleteLocked(key NamespaceKey) error {
	if _, ok := m.spaces[key]; !ok {
		return fmt.Errorf("%w: namespace %s missing during cleanup", ErrNamespaceCorrupt, key)
	}
	delete(m.spaces, key)
	return nil
}

func (m *NamespaceManager) restoreLocked(snapshot *persistedCaches) {
	m.seq = snapshot.Seq
	if snapshot.Current != nil {
		m.current = snapshot.Current
	}
	for _, persisted := range snapshot.Namespaces {
		key := NamespaceKey{Scope: persisted.Scope, Version: persisted.Version}
		ns := &Namespace{Key: key, entries: map[string]cacheEntry{}}
		for _, entry := range persisted.Entries {
			ns.entries[entry.Identity.Key()] = entry
			if entry.Seq > m.seq {
				m.seq = entry.Seq
			}
		}
		m.spaces[key] = ns
	}
}

func (m *NamespaceManager) saveLocked() {
	if m.backend == nil {
		return
	}
	snapshot := &persistedCaches{
		Seq:        m.seq,
		Current:    map[Scope]string{},
		Namespaces: map[string]persistedNS{},
	}
	for scope, version := range m.current {
		snapshot.Current[scope] = version
	}
	for key, ns := range m.spaces {
		entries := make([]cacheEntry, 0, len(ns.entries))
		for _, entry := range ns.entries {
			entries = append(entries, entry)
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
		snapshot.Namespaces[key.String()] = persistedNS{
			Scope:   key.Scope,
			Version: key.Version,
			Entries: entries,
		}
	}
	if err := m.backend.Save(snapshot); err != nil {
		m.logf("save cache state: %v", err)
	}
}

func (m *NamespaceManager) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

// JSONFileCacheBackend persists cache state as a single JSON file written via
// tmp+rename.
type JSONFileCacheBackend struct {
	Path string
}

func NewJSONFileCacheBackend(path string) *JSONFileCacheBackend {
	return &JSONFileCacheBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileCacheBackend) Load() (*persistedCaches, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedCaches
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileCacheBackend) Save(state *persistedCaches) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}
