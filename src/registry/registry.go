// Package registry stores the declarative channel specs that must survive a
// reconnection, together with the live transport instance bound to each.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/orchestra-mcp/realtime/src/types"
	"github.com/rs/zerolog"
)

// SetupFunc registers bindings on a freshly created handle.
type SetupFunc func(h types.Handle) error

// Spec identifies one logical subscription so it can be replayed.
type Spec struct {
	Name   string
	Config types.ChannelConfig
	Setup  SetupFunc
}

// StatusHandler receives status callbacks of current attachments.
type StatusHandler func(name string, status types.ChannelStatus, err error)

// attachment is one transport-level resource created for an entry.
type attachment struct {
	instance types.Instance
	failed   bool
	released bool
}

type entry struct {
	spec Spec
	att  *attachment // nil while detached
}

// Registry maps channel names to their spec and live instance.
type Registry struct {
	transport types.Transport
	logger    zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
	onStatus StatusHandler
}

// New creates a registry that attaches through t.
func New(t types.Transport, logger zerolog.Logger) *Registry {
	return &Registry{
		transport: t,
		logger:    logger.With().Str("component", "channel-registry").Logger(),
		entries:   make(map[string]*entry),
	}
}

// SetStatusHandler sets the receiver of channel status callbacks.
func (r *Registry) SetStatusHandler(h StatusHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatus = h
}

// Subscribe stores spec, replacing any spec with the same name, and attaches
// it right away. Attach failures are logged; the spec stays registered and is
// retried by the next reconnection. The returned func removes the entry only
// if it has not been replaced since.
func (r *Registry) Subscribe(spec Spec) func() {
	e := &entry{spec: spec}

	r.mu.Lock()
	var prevAtt *attachment
	if prev := r.entries[spec.Name]; prev != nil {
		prevAtt = prev.detachLocked()
	}
	r.entries[spec.Name] = e
	r.mu.Unlock()

	if prevAtt != nil {
		_ = r.release(spec.Name, prevAtt)
	}

	if err := r.attachEntry(e); err != nil {
		r.logger.Warn().Err(err).Str("channel", spec.Name).Msg("initial attach failed")
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(spec.Name, e) })
	}
}

// Unsubscribe detaches and removes the entry for name.
func (r *Registry) Unsubscribe(name string) {
	r.mu.RLock()
	e := r.entries[name]
	r.mu.RUnlock()
	if e != nil {
		r.remove(name, e)
	}
}

func (r *Registry) remove(name string, e *entry) {
	r.mu.Lock()
	if r.entries[name] != e {
		r.mu.Unlock()
		return
	}
	delete(r.entries, name)
	att := e.detachLocked()
	r.mu.Unlock()

	if att != nil {
		_ = r.release(name, att)
	}
	r.logger.Debug().Str("channel", name).Msg("channel removed")
}

// Attach attaches the spec registered under name.
func (r *Registry) Attach(name string) error {
	r.mu.RLock()
	e := r.entries[name]
	r.mu.RUnlock()
	if e == nil {
		return fmt.Errorf("channel %s not registered", name)
	}
	return r.attachEntry(e)
}

// AttachAll attaches every registered spec that has no instance. It returns
// the joined attach failures.
func (r *Registry) AttachAll() error {
	var errs []error
	for _, e := range r.snapshot() {
		if err := r.attachEntry(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) attachEntry(e *entry) (err error) {
	name := e.spec.Name

	r.mu.RLock()
	attached := e.att != nil
	r.mu.RUnlock()
	if attached {
		return nil
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("attach %s: setup panicked: %v", name, rec)
		}
		if err != nil {
			r.logger.Warn().Err(err).Str("channel", name).Msg("attach failed")
		}
	}()

	h, err := r.transport.CreateChannel(name, e.spec.Config)
	if err != nil {
		return fmt.Errorf("create channel %s: %w", name, err)
	}
	if e.spec.Setup != nil {
		if err := e.spec.Setup(h); err != nil {
			return fmt.Errorf("setup channel %s: %w", name, err)
		}
	}

	att := &attachment{}
	inst, err := h.Subscribe(func(status types.ChannelStatus, cbErr error) {
		r.handleStatus(e, att, status, cbErr)
	})
	if err != nil {
		return fmt.Errorf("subscribe channel %s: %w", name, err)
	}

	r.mu.Lock()
	current := r.entries[name] == e
	if !current || att.failed || e.att != nil {
		att.released = true
		r.mu.Unlock()
		// The entry went away or was attached concurrently; give the
		// resource back instead of leaking it.
		_ = inst.Unsubscribe()
		if current && att.failed {
			return fmt.Errorf("channel %s failed during attach", name)
		}
		return nil
	}
	att.instance = inst
	e.att = att
	r.mu.Unlock()

	r.logger.Debug().Str("channel", name).Msg("channel attached")
	return nil
}

func (r *Registry) handleStatus(e *entry, att *attachment, status types.ChannelStatus, err error) {
	name := e.spec.Name

	r.mu.Lock()
	current := !att.released && r.entries[name] == e && (e.att == att || e.att == nil)
	if status != types.ChannelSubscribed {
		att.failed = true
		if e.att == att {
			e.att = nil
		}
	}
	h := r.onStatus
	r.mu.Unlock()

	if !current {
		r.logger.Debug().Str("channel", name).Stringer("status", status).Msg("stale channel status ignored")
		return
	}
	if h != nil {
		h(name, status, err)
	}
}

// DetachAll releases every live instance, best-effort, and clears all
// instances. Teardown failures are logged and returned joined.
func (r *Registry) DetachAll() error {
	type live struct {
		name string
		att  *attachment
	}

	r.mu.Lock()
	var toRelease []live
	for name, e := range r.entries {
		if att := e.detachLocked(); att != nil {
			toRelease = append(toRelease, live{name: name, att: att})
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, l := range toRelease {
		if err := r.release(l.name, l.att); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// detachLocked clears the entry's attachment and marks it released so its
// late callbacks are ignored. Callers hold r.mu.
func (e *entry) detachLocked() *attachment {
	att := e.att
	if att == nil {
		return nil
	}
	att.released = true
	e.att = nil
	return att
}

func (r *Registry) release(name string, att *attachment) error {
	r.mu.RLock()
	inst := att.instance
	r.mu.RUnlock()
	if inst == nil {
		return nil
	}
	if err := inst.Unsubscribe(); err != nil {
		r.logger.Debug().Err(err).Str("channel", name).Msg("stale channel teardown failed")
		return fmt.Errorf("unsubscribe %s: %w", name, err)
	}
	return nil
}

func (r *Registry) snapshot() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].spec.Name < out[j].spec.Name })
	return out
}

// Len returns the number of registered specs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AttachedCount returns how many entries currently have an instance.
func (r *Registry) AttachedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.entries {
		if e.att != nil {
			n++
		}
	}
	return n
}

// Missing returns the names of registered specs without an instance.
func (r *Registry) Missing() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, e := range r.entries {
		if e.att == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Attached reports whether name currently has an instance.
func (r *Registry) Attached(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.att != nil
}
