package relay

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
)

// Checkpointer periodically writes changed projects to a StateBackend.
type Checkpointer struct {
	registry *Registry
	backend  StateBackend
	logger   Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func NewCheckpointer(registry *Registry, backend StateBackend, logger Logger) *Checkpointer {
	return &Checkpointer{registry: registry, backend: backend, logger: logger}
}

// Restore loads the last checkpoint into the registry.
func (c *Checkpointer) Restore() (int, error) {
	projects, err := c.backend.Load()
	if err != nil {
		return 0, fmt.Errorf("load checkpoint: %w", err)
	}
	c.registry.Restore(projects)
	return len(projects), nil
}

// Start schedules Flush with a cron spec such as "@every 30s".
func (c *Checkpointer) Start(spec string) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return errors.New("checkpoint schedule is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return errors.New("checkpointer already started")
	}
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(spec, func() {
		if err := c.Flush(); err != nil {
			c.logf("checkpoint failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid checkpoint schedule %q: %w", spec, err)
	}
	scheduler.Start()
	c.cron = scheduler
	return nil
}

// Flush writes every dirty project. Projects that fail stay dirty.
func (c *Checkpointer) Flush() error {
	dirty := c.registry.TakeDirty()
	if len(dirty) == 0 {
		return nil
	}
	projectIDs := make([]string, 0, len(dirty))
	for projectID := range dirty {
		projectIDs = append(projectIDs, projectID)
	}
	sort.Strings(projectIDs)
	var errs []error
	var failed []string
	for _, projectID := range projectIDs {
		if err := c.backend.Save(projectID, dirty[projectID]); err != nil {
			failed = append(failed, projectID)
			errs = append(errs, fmt.Errorf("project %s: %w", projectID, err))
		}
	}
	if len(failed) > 0 {
		c.registry.MarkDirty(failed...)
	}
	c.logf("checkpointed %d of %d projects", len(projectIDs)-len(failed), len(projectIDs))
	return errors.Join(errs...)
}

// Stop waits for a running checkpoint, writes the remaining changes and closes
// the backend.
func (c *Checkpointer) Stop() error {
	c.mu.Lock()
	scheduler := c.cron
	c.cron = nil
	c.mu.Unlock()
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	flushErr := c.Flush()
	return errors.Join(flushErr, closeStateBackend(c.backend))
}

func (c *Checkpointer) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
