// Package hostsession holds the state that is shared by every connection to
// the same mail host, guarded by one coarse mutex per spec §5/§9: cached
// namespaces, whether Trash exists, a discovery-in-progress flag, and
// whether the password has been verified at least once this run.
package hostsession

import "sync"

// NamespaceDescriptor is one prefix/delimiter pair reported by NAMESPACE
// (RFC 2342) for one of the Personal/Other/Shared namespace buckets.
type NamespaceDescriptor struct {
	Prefix string
	Delim  byte
}

// Host is the per-hostname shared state registry.
type Host struct {
	mu sync.Mutex

	key string

	namespacePersonal []NamespaceDescriptor
	namespaceOther    []NamespaceDescriptor
	namespaceShared   []NamespaceDescriptor
	namespaceCached   bool

	trashExists      bool
	trashChecked     bool
	discoveryRunning bool
	passwordVerified bool
}

// Registry maps a host key (typically "user@host:port") to its shared Host
// state, created lazily and kept for the process lifetime.
type Registry struct {
	mu    sync.Mutex
	hosts map[string]*Host
}

// NewRegistry returns an empty host registry.
func NewRegistry() *Registry {
	return &Registry{hosts: map[string]*Host{}}
}

// Get returns (creating if necessary) the Host for key.
func (r *Registry) Get(key string) *Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[key]
	if !ok {
		h = &Host{key: key}
		r.hosts[key] = h
	}
	return h
}

// SetNamespaces caches a NAMESPACE result for the lifetime of the host
// session, so later connections skip re-issuing NAMESPACE (spec §4.4 step5).
func (h *Host) SetNamespaces(personal, other, shared []NamespaceDescriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.namespacePersonal = personal
	h.namespaceOther = other
	h.namespaceShared = shared
	h.namespaceCached = true
}

// Namespaces returns the cached NAMESPACE result and whether it is present.
func (h *Host) Namespaces() (personal, other, shared []NamespaceDescriptor, cached bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.namespacePersonal, h.namespaceOther, h.namespaceShared, h.namespaceCached
}

// SetTrashExists records whether a Trash-role mailbox was found.
func (h *Host) SetTrashExists(exists bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trashExists, h.trashChecked = exists, true
}

// TrashExists reports the cached trash-existence check, if one has run.
func (h *Host) TrashExists() (exists, checked bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.trashExists, h.trashChecked
}

// BeginDiscovery marks folder discovery as in progress, returning false if
// it was already running (caller should skip starting a second pass).
func (h *Host) BeginDiscovery() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.discoveryRunning {
		return false
	}
	h.discoveryRunning = true
	return true
}

// EndDiscovery clears the discovery-in-progress flag.
func (h *Host) EndDiscovery() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.discoveryRunning = false
}

// SetPasswordVerified records that at least one successful login has
// occurred this run. PasswordVerified reports it back; the login path in
// this module does not consult it.
func (h *Host) SetPasswordVerified(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.passwordVerified = v
}

func (h *Host) PasswordVerified() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.passwordVerified
}
