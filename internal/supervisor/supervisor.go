// Package supervisor owns the worker's execution slots: it fans tasks
// out of the consumer channel into bounded goroutines and reports the
// worker's state for the admin API and the registry.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantfeed/market-crawler/internal/broker"
	"github.com/quantfeed/market-crawler/internal/task"
)

// Worker lifecycle states.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateDraining = "draining"
	StateStopped  = "stopped"
)

// Executor runs one task to completion.
type Executor interface {
	Execute(ctx context.Context, t task.Task) task.Result
}

// Setter is the slice of the broker client used for registry writes.
type Setter interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// TaskInfo describes one in-flight task for the admin API.
type TaskInfo struct {
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Symbol    string    `json:"symbol"`
	Queue     string    `json:"queue"`
	StartedAt time.Time `json:"started_at"`
}

// Stats is the processed-work snapshot served by the admin API.
type Stats struct {
	WorkerID       string    `json:"worker_id"`
	Tier           string    `json:"priority_level"`
	State          string    `json:"state"`
	ActiveTasks    int       `json:"active_tasks"`
	ProcessedTasks uint64    `json:"processed_tasks"`
	FailedTasks    uint64    `json:"failed_tasks"`
	StartedAt      time.Time `json:"started_at"`
}

const registryTTL = 90 * time.Second

// Supervisor pulls deliveries, executes them on at most maxConcurrent
// goroutines, and forwards outcomes to the ack loop.
type Supervisor struct {
	logger   *zap.Logger
	executor Executor
	workerID string
	tier     task.Tier
	slots    chan struct{}

	mu        sync.Mutex
	state     string
	active    map[string]TaskInfo
	processed uint64
	failed    uint64
	startedAt time.Time
}

// New builds a Supervisor with maxConcurrent execution slots.
func New(logger *zap.Logger, executor Executor, workerID string, tier task.Tier, maxConcurrent int) *Supervisor {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Supervisor{
		logger:   logger,
		executor: executor,
		workerID: workerID,
		tier:     tier,
		slots:    make(chan struct{}, maxConcurrent),
		state:    StateStarting,
		active:   make(map[string]TaskInfo),
	}
}

// Run consumes deliveries until the channel closes, then waits for all
// in-flight tasks and closes outcomes. taskCtx bounds the tasks
// themselves; cancelling it aborts in-flight work during a forced drain.
func (s *Supervisor) Run(taskCtx context.Context, deliveries <-chan broker.Delivery, outcomes chan<- broker.Outcome) {
	s.setState(StateRunning)
	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	var wg sync.WaitGroup
	for delivery := range deliveries {
		s.slots <- struct{}{}
		wg.Add(1)
		go func(d broker.Delivery) {
			defer func() {
				<-s.slots
				wg.Done()
			}()
			s.runOne(taskCtx, d, outcomes)
		}(delivery)
	}

	s.setState(StateDraining)
	s.logger.Info("deliveries closed, draining in-flight tasks",
		zap.Int("active", s.activeCount()))
	wg.Wait()
	close(outcomes)
	s.setState(StateStopped)
	s.logger.Info("supervisor stopped",
		zap.Uint64("processed", s.Snapshot().ProcessedTasks),
		zap.Uint64("failed", s.Snapshot().FailedTasks))
}

func (s *Supervisor) runOne(ctx context.Context, d broker.Delivery, outcomes chan<- broker.Outcome) {
	info := TaskInfo{
		TaskID:    d.Task.TaskID,
		TaskType:  string(d.Task.Type),
		Symbol:    d.Task.Symbol,
		Queue:     d.Queue,
		StartedAt: time.Now(),
	}
	s.mu.Lock()
	s.active[d.MessageID] = info
	s.mu.Unlock()

	result := s.executor.Execute(ctx, d.Task)

	s.mu.Lock()
	delete(s.active, d.MessageID)
	s.processed++
	if !result.Success {
		s.failed++
	}
	s.mu.Unlock()

	outcomes <- broker.Outcome{Delivery: d, Result: result}
}

func (s *Supervisor) setState(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) activeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Snapshot returns the current stats.
func (s *Supervisor) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		WorkerID:       s.workerID,
		Tier:           string(s.tier),
		State:          s.state,
		ActiveTasks:    len(s.active),
		ProcessedTasks: s.processed,
		FailedTasks:    s.failed,
		StartedAt:      s.startedAt,
	}
}

// ActiveTasks lists the in-flight tasks, unordered.
func (s *Supervisor) ActiveTasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.active))
	for _, info := range s.active {
		out = append(out, info)
	}
	return out
}

// RegisterLoop publishes the worker's registry keys every interval until
// the context ends. Keys carry a TTL so a dead worker ages out.
func (s *Supervisor) RegisterLoop(ctx context.Context, setter Setter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.register(ctx, setter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.register(ctx, setter)
		}
	}
}

func (s *Supervisor) register(ctx context.Context, setter Setter) {
	stats := s.Snapshot()
	payload, err := json.Marshal(stats)
	if err != nil {
		s.logger.Error("marshal worker status", zap.Error(err))
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	idKey := fmt.Sprintf("worker:%s", s.workerID)
	statusKey := fmt.Sprintf("worker_status:%s", s.workerID)
	if err := setter.Set(writeCtx, idKey, string(s.tier), registryTTL); err != nil {
		s.logger.Warn("worker registration failed", zap.String("key", idKey), zap.Error(err))
		return
	}
	if err := setter.Set(writeCtx, statusKey, string(payload), registryTTL); err != nil {
		s.logger.Warn("worker status publish failed", zap.String("key", statusKey), zap.Error(err))
	}
}
