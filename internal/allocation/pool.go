// Package allocation assigns unit-under-test channel definitions to the
// fixed, typed pool of test-rig physical channels.
package allocation

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// Pool is the channel pool registry: the authoritative record of which
// test-rig slots exist and which are currently bound. Slot order follows
// configuration order so allocation stays deterministic.
type Pool struct {
	mu    sync.RWMutex
	order []string
	slots map[string]*domain.TestPlcSlot
	bound map[string]string // slot id -> instance id
}

// NewPool creates a registry over the given slot inventory.
func NewPool(slots []domain.TestPlcSlot) *Pool {
	p := &Pool{
		slots: make(map[string]*domain.TestPlcSlot, len(slots)),
		bound: make(map[string]string),
	}
	for i := range slots {
		s := slots[i]
		p.order = append(p.order, s.ID)
		p.slots[s.ID] = &s
	}
	return p
}

// slotInventory is the on-disk shape of the rig channel configuration.
type slotInventory struct {
	Slots []domain.TestPlcSlot `yaml:"slots"`
}

// LoadSlots reads the test-rig slot inventory from a YAML file.
func LoadSlots(path string) ([]domain.TestPlcSlot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read slot inventory: %w", err)
	}
	var inv slotInventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("failed to parse slot inventory: %w", err)
	}
	seen := make(map[string]bool, len(inv.Slots))
	for _, s := range inv.Slots {
		if s.ID == "" || s.CommAddress == "" {
			return nil, fmt.Errorf("slot %q: id and comm_address are required", s.ChannelAddress)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("slot %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
	}
	return inv.Slots, nil
}

// ListSlots returns the enabled, currently unbound slots of the given
// type and polarity, in configuration order.
func (p *Pool) ListSlots(t domain.ModuleType, power domain.PowerSupplyType) []*domain.TestPlcSlot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var out []*domain.TestPlcSlot
	for _, id := range p.order {
		s := p.slots[id]
		if !s.Enabled || s.Type != t || s.Power != power {
			continue
		}
		if _, taken := p.bound[id]; taken {
			continue
		}
		out = append(out, s)
	}
	return out
}

// MarkBound records that a slot is in use by a channel instance.
func (p *Pool) MarkBound(slotID, instanceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.slots[slotID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrSlotNotFound, slotID)
	}
	if holder, taken := p.bound[slotID]; taken {
		return fmt.Errorf("%w: %s held by %s", domain.ErrSlotAlreadyBound, slotID, holder)
	}
	p.bound[slotID] = instanceID
	return nil
}

// Release frees a single slot.
func (p *Pool) Release(slotID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.slots[slotID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrSlotNotFound, slotID)
	}
	if _, taken := p.bound[slotID]; !taken {
		return fmt.Errorf("%w: %s", domain.ErrSlotNotBound, slotID)
	}
	delete(p.bound, slotID)
	return nil
}

// ReleaseAll frees every bound slot.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound = make(map[string]string)
}

// BindBatch swaps the pool's bindings to the given batch's instances.
// Only one batch runs at a time, so slots are reusable across batches.
func (p *Pool) BindBatch(batch *domain.TestBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]string, len(batch.Instances))
	for _, inst := range batch.Instances {
		if inst.Slot == nil {
			continue
		}
		if _, ok := p.slots[inst.Slot.ID]; !ok {
			return fmt.Errorf("%w: %s", domain.ErrSlotNotFound, inst.Slot.ID)
		}
		if holder, dup := next[inst.Slot.ID]; dup {
			return fmt.Errorf("%w: %s held by %s and %s",
				domain.ErrSlotAlreadyBound, inst.Slot.ID, holder, inst.ID)
		}
		next[inst.Slot.ID] = inst.ID
	}
	p.bound = next
	return nil
}

// BoundCount returns how many slots are currently bound.
func (p *Pool) BoundCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.bound)
}
