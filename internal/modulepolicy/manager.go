package modulepolicy

import (
	"sync"

	"github.com/mcpbox/mcpbox/internal/domainerr"
)

// Manager holds the live, mutable module whitelist. All mutations and
// reads go through the same RWMutex.
type Manager struct {
	mu             sync.RWMutex
	allowed        map[string]Classification
	approvedBy     map[string]string
	thirdPartyHint map[string]bool // seed classification for modules not yet allowed
}

// defaultStdlib seeds the classification of commonly-whitelisted stdlib
// modules so ListWithStatus can label them without an explicit approval record.
var defaultStdlib = map[string]bool{
	"json": true, "re": true, "math": true, "time": true, "string": true,
	"collections": true, "itertools": true, "functools": true, "base64": true,
	"hashlib": true, "random": true, "datetime": true, "urllib": true,
}

// NewManager creates a Manager seeded with the given initially-allowed
// third-party modules (e.g. loaded from a YAML seed file at startup).
func NewManager(seedThirdParty []string) *Manager {
	m := &Manager{
		allowed:        make(map[string]Classification),
		approvedBy:     make(map[string]string),
		thirdPartyHint: make(map[string]bool),
	}
	for name := range defaultStdlib {
		m.allowed[name] = ClassificationStdlib
	}
	for _, name := range seedThirdParty {
		if permanentlyForbidden[name] {
			continue
		}
		m.allowed[name] = ClassificationThirdParty
		m.approvedBy[name] = "seed"
	}
	return m
}

// IsAllowed reports whether name may currently be imported.
func (m *Manager) IsAllowed(name string) bool {
	return m.Check(name) == DecisionAllowed
}

// Check returns the full Decision for name, distinguishing "permanently
// forbidden" from "not yet approved" so callers can decide whether an
// approval request even makes sense.
func (m *Manager) Check(name string) Decision {
	if permanentlyForbidden[name] {
		return DecisionForbiddenPermanent
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.allowed[name]; ok {
		return DecisionAllowed
	}
	return DecisionUnapproved
}

// Add whitelists name, recording approver. Returns a domainerr if name is
// on the permanent denylist: even admin approval must be refused.
func (m *Manager) Add(name, approver string) error {
	if permanentlyForbidden[name] {
		return domainerr.New(domainerr.KindPrecondition, "module %q is permanently forbidden and cannot be approved", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	classification := ClassificationThirdParty
	if defaultStdlib[name] {
		classification = ClassificationStdlib
	}
	m.allowed[name] = classification
	m.approvedBy[name] = approver
	return nil
}

// Remove revokes a module's whitelist entry.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allowed, name)
	delete(m.approvedBy, name)
}

// ListWithStatus returns every module this manager has an opinion about:
// permanently-forbidden entries plus every currently-allowed entry.
func (m *Manager) ListWithStatus() []ModuleStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ModuleStatus, 0, len(permanentlyForbidden)+len(m.allowed))
	for name := range permanentlyForbidden {
		out = append(out, ModuleStatus{Name: name, Decision: DecisionForbiddenPermanent})
	}
	for name, classification := range m.allowed {
		out = append(out, ModuleStatus{
			Name:           name,
			Decision:       DecisionAllowed,
			Classification: classification,
			Approver:       m.approvedBy[name],
		})
	}
	return out
}
