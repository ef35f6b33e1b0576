package service

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dj1530954213/FactoryTesting-sub006/internal/allocation"
	"github.com/dj1530954213/FactoryTesting-sub006/internal/domain"
)

// Importer reads channel definitions from an I/O list file. Rows that
// fail validation are reported per row, not as a whole-file failure.
type Importer interface {
	Import(path string) ([]domain.ChannelDefinition, []domain.AllocationError, error)
}

// Coordinator owns the allocation side of a test session and hands
// batches to the test manager one at a time. Allocation and test runs
// are mutually exclusive.
type Coordinator struct {
	importer Importer
	pool     *allocation.Pool
	engine   *allocation.Engine
	manager  *Manager
	logger   zerolog.Logger

	mu         sync.Mutex
	allocating bool
	batches    []*domain.TestBatch
	current    int
	summary    *domain.AllocationSummary
}

// NewCoordinator wires the import and allocation collaborators to a
// test manager.
func NewCoordinator(importer Importer, pool *allocation.Pool, engine *allocation.Engine, manager *Manager, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		importer: importer,
		pool:     pool,
		engine:   engine,
		manager:  manager,
		logger:   logger.With().Str("component", "coordinator").Logger(),
		current:  -1,
	}
}

// ImportAndAllocate reads an I/O list, allocates every valid definition
// to rig slots, and loads the first batch into the manager. Rejected
// while a run or another allocation is in flight.
func (c *Coordinator) ImportAndAllocate(path, batchName string) (*domain.AllocationSummary, error) {
	if c.manager.Running() {
		return nil, domain.ErrRunInProgress
	}
	c.mu.Lock()
	if c.allocating {
		c.mu.Unlock()
		return nil, domain.ErrAllocationBusy
	}
	c.allocating = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.allocating = false
		c.mu.Unlock()
	}()

	defs, rowErrors, err := c.importer.Import(path)
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}

	result, err := c.engine.Allocate(defs, batchName)
	if err != nil {
		return nil, err
	}
	// Import-time row errors join the allocation report so the operator
	// sees every rejected point in one place.
	result.Summary.Errors = append(rowErrors, result.Summary.Errors...)
	result.Summary.Total += len(rowErrors)

	c.mu.Lock()
	c.batches = result.Batches
	c.current = -1
	c.summary = &result.Summary
	c.mu.Unlock()

	if len(result.Batches) > 0 {
		if err := c.advance(0); err != nil {
			return &result.Summary, err
		}
	}
	c.logger.Info().Str("source", path).
		Int("definitions", result.Summary.Total).
		Int("allocated", result.Summary.Allocated).
		Int("batches", result.Summary.Batches).
		Int("errors", len(result.Summary.Errors)).
		Msg("allocation completed")
	return &result.Summary, nil
}

// Allocate runs allocation over already-imported definitions. Used when
// the caller builds definitions itself instead of importing a file.
func (c *Coordinator) Allocate(defs []domain.ChannelDefinition, batchName string) (*domain.AllocationSummary, error) {
	if c.manager.Running() {
		return nil, domain.ErrRunInProgress
	}
	c.mu.Lock()
	if c.allocating {
		c.mu.Unlock()
		return nil, domain.ErrAllocationBusy
	}
	c.allocating = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.allocating = false
		c.mu.Unlock()
	}()

	result, err := c.engine.Allocate(defs, batchName)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.batches = result.Batches
	c.current = -1
	c.summary = &result.Summary
	c.mu.Unlock()

	if len(result.Batches) > 0 {
		if err := c.advance(0); err != nil {
			return &result.Summary, err
		}
	}
	return &result.Summary, nil
}

// Batches returns the batches of the current allocation run.
func (c *Coordinator) Batches() []*domain.TestBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

// CurrentBatch returns the batch currently loaded in the manager, or nil.
func (c *Coordinator) CurrentBatch() *domain.TestBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current < 0 || c.current >= len(c.batches) {
		return nil
	}
	return c.batches[c.current]
}

// NextBatch rebinds the rig slots to the next batch and loads it into
// the manager. The current batch must have finished first.
func (c *Coordinator) NextBatch() (*domain.TestBatch, error) {
	if c.manager.Running() {
		return nil, domain.ErrRunInProgress
	}
	c.mu.Lock()
	cur := c.current
	total := len(c.batches)
	c.mu.Unlock()

	if total == 0 {
		return nil, domain.ErrNoBatchLoaded
	}
	if cur >= 0 && !c.batches[cur].Terminal() {
		return nil, fmt.Errorf("%w: batch %s not finished", domain.ErrRunInProgress, c.batches[cur].Name)
	}
	if cur+1 >= total {
		return nil, fmt.Errorf("%w: no further batches", domain.ErrNoBatchLoaded)
	}
	if err := c.advance(cur + 1); err != nil {
		return nil, err
	}
	return c.CurrentBatch(), nil
}

func (c *Coordinator) advance(idx int) error {
	batch := c.batches[idx]
	if err := c.pool.BindBatch(batch); err != nil {
		return fmt.Errorf("bind batch %s: %w", batch.Name, err)
	}
	if err := c.manager.LoadBatch(batch); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = idx
	c.mu.Unlock()
	c.logger.Info().Str("batch", batch.Name).Int("sequence", batch.Sequence).Msg("batch activated")
	return nil
}

// ClearAllocations releases every slot binding and rewinds all batches.
// Rejected while a run is in flight.
func (c *Coordinator) ClearAllocations() error {
	if c.manager.Running() {
		return domain.ErrRunInProgress
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocating {
		return domain.ErrAllocationBusy
	}
	c.engine.ClearAllocations(c.batches)
	c.batches = nil
	c.current = -1
	c.summary = nil
	c.logger.Info().Msg("allocations cleared")
	return nil
}
