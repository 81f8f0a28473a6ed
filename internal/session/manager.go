package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/internal/agent"
	"github.com/droidpilot/droidpilot/internal/common/config"
	"github.com/droidpilot/droidpilot/internal/common/errors"
	"github.com/droidpilot/droidpilot/internal/common/logger"
	"github.com/droidpilot/droidpilot/internal/device/apps"
	"github.com/droidpilot/droidpilot/internal/store"
	"github.com/droidpilot/droidpilot/internal/tracker"
	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
	"github.com/droidpilot/droidpilot/pkg/events"
)

// statusUpdateTimeout bounds the store write that records a task's
// terminal status.
const statusUpdateTimeout = 5 * time.Second

// session is one client's container. It holds at most one running task.
type session struct {
	id           string
	userID       string
	createdAt    time.Time
	lastActivity time.Time
	running      *runningTask
}

// runningTask tracks a live agent run.
type runningTask struct {
	taskID    string
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// TaskOverrides are the per-task knobs a client may set when starting a
// task. Zero values fall back to the configured defaults.
type TaskOverrides struct {
	DeviceID string
	MaxSteps int
	Language string
	Record   *bool
}

// Manager owns sessions and their tasks. It constructs an Agent per
// started task with collaborators wired to this process's device
// layer, model client, and stores, and enforces one running task per
// session. All methods are safe for concurrent use.
type Manager struct {
	cfg    config.AgentConfig
	device agent.Device
	model  agent.ModelClient
	apps   *apps.Registry
	tasks  store.TaskStore
	blobs  store.BlobStore

	hub      *Hub
	interact *Interact
	cache    *stepCache
	logger   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	running  map[string]*runningTask
	closed   bool
}

// NewManager assembles a session manager over the process-wide
// collaborators.
func NewManager(
	cfg config.AgentConfig,
	dev agent.Device,
	modelClient agent.ModelClient,
	registry *apps.Registry,
	tasks store.TaskStore,
	blobs store.BlobStore,
	log *logger.Logger,
) *Manager {
	hub := NewHub(log)
	return &Manager{
		cfg:      cfg,
		device:   dev,
		model:    modelClient,
		apps:     registry,
		tasks:    tasks,
		blobs:    blobs,
		hub:      hub,
		interact: NewInteract(hub, log),
		cache:    newStepCache(stepCacheCapacity),
		logger:   log.WithFields(zap.String("component", "session_manager")),
		sessions: make(map[string]*session),
		running:  make(map[string]*runningTask),
	}
}

// Defaults returns the agent defaults applied to new tasks.
func (m *Manager) Defaults() config.AgentConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetDefaults replaces the agent defaults. Running tasks keep the
// settings they started with.
func (m *Manager) SetDefaults(cfg config.AgentConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.logger.Info("agent defaults updated",
		zap.Int("max_steps", cfg.MaxSteps),
		zap.String("language", cfg.Language),
		zap.Bool("record", cfg.Record))
}

// CreateSession allocates a new session. The optional user id is kept
// for logging only.
func (m *Manager) CreateSession(userID string) *v1.Session {
	now := time.Now().UTC()
	sess := &session{
		id:           uuid.New().String(),
		userID:       userID,
		createdAt:    now,
		lastActivity: now,
	}
	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", sess.id),
		zap.String("user_id", userID))
	return m.view(sess)
}

// GetSession returns a session view.
func (m *Manager) GetSession(sessionID string) (*v1.Session, error) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.NotFound("session", sessionID)
	}
	return m.view(sess), nil
}

// ListSessions returns views of all sessions.
func (m *Manager) ListSessions() []*v1.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*v1.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, m.viewLocked(sess))
	}
	return out
}

// Start launches a task in a session. It fails with SessionBusy while
// the session's previous task is still running, and returns as soon as
// the task's worker goroutine is launched.
func (m *Manager) Start(ctx context.Context, sessionID, description string, overrides TaskOverrides) (*v1.Task, error) {
	if description == "" {
		return nil, errors.BadRequest("task description is required")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.BadRequest("session manager is shut down")
	}
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, errors.NotFound("session", sessionID)
	}
	if sess.running != nil {
		m.mu.Unlock()
		return nil, errors.SessionBusy(sessionID)
	}
	// The run context is independent of the request context: the task
	// keeps running after Start returns.
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{
		taskID:    uuid.New().String(),
		sessionID: sessionID,
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	sess.running = rt
	sess.lastActivity = time.Now().UTC()
	m.running[rt.taskID] = rt
	m.mu.Unlock()

	defaults := m.Defaults()
	taskCfg := taskConfig(defaults, rt.taskID, sessionID, description, overrides)
	task := &v1.Task{
		ID:          rt.taskID,
		SessionID:   sessionID,
		Description: description,
		Status:      v1.TaskStatusRunning,
		DeviceID:    taskCfg.DeviceID,
		MaxSteps:    taskCfg.MaxSteps,
		Language:    taskCfg.Language,
	}
	if err := m.tasks.CreateTask(ctx, task); err != nil {
		m.clearRunning(rt)
		cancel()
		return nil, err
	}

	trk, err := tracker.New(rt.taskID, m.tasks, m.blobs, tracker.Config{
		SpillDir: defaults.SpillDir,
		OnOverflow: func(dropped int) {
			m.hub.Publish(events.NewOverflowEvent(sessionID, rt.taskID, events.OverflowData{
				TaskID:       rt.taskID,
				DroppedCount: dropped,
			}))
		},
	}, m.logger)
	if err != nil {
		m.failStart(task, err)
		m.clearRunning(rt)
		cancel()
		return nil, err
	}

	sink := agent.SinkFunc(func(evt *events.Event) {
		m.cache.observe(evt)
		m.hub.Publish(evt)
	})
	ag := agent.New(
		taskCfg,
		m.device,
		m.model,
		m.apps,
		trk,
		sink,
		m.interact.Confirmer(sessionID, rt.taskID),
		m.interact.Takeover(sessionID, rt.taskID),
		m.logger,
	)

	m.logger.Info("task starting",
		zap.String("session_id", sessionID),
		zap.String("task_id", rt.taskID),
		zap.String("device_id", taskCfg.DeviceID),
		zap.Int("max_steps", taskCfg.MaxSteps))

	go m.run(rt, ag, trk)

	view := *task
	return &view, nil
}

// taskConfig resolves the effective agent configuration for one task.
func taskConfig(defaults config.AgentConfig, taskID, sessionID, description string, overrides TaskOverrides) agent.Config {
	cfg := agent.Config{
		TaskID:        taskID,
		SessionID:     sessionID,
		Task:          description,
		DeviceID:      overrides.DeviceID,
		MaxSteps:      defaults.MaxSteps,
		Language:      defaults.Language,
		Record:        defaults.Record,
		ScreenshotDir: defaults.ScreenshotDir,
	}
	if overrides.MaxSteps > 0 {
		cfg.MaxSteps = overrides.MaxSteps
	}
	if overrides.Language != "" {
		cfg.Language = overrides.Language
	}
	if overrides.Record != nil {
		cfg.Record = *overrides.Record
	}
	return cfg
}

// run drives one task to completion on its own goroutine and settles
// the task row afterwards.
func (m *Manager) run(rt *runningTask, ag *agent.Agent, trk *tracker.Tracker) {
	defer close(rt.done)

	res := ag.Run(rt.ctx)

	// The agent already flushed with a grace deadline; Close stops the
	// worker and drains anything that arrived since.
	if err := trk.Close(); err != nil {
		m.logger.Warn("tracker close failed",
			zap.String("task_id", rt.taskID), zap.Error(err))
	}

	now := time.Now().UTC()
	update := store.StatusUpdate{EndTime: &now}
	switch res.Status {
	case v1.TaskStatusError:
		update.Error = &res.Message
	default:
		update.Result = &res.Message
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusUpdateTimeout)
	if err := m.tasks.UpdateTaskStatus(ctx, rt.taskID, res.Status, update); err != nil {
		m.logger.Error("failed to record terminal status",
			zap.String("task_id", rt.taskID),
			zap.String("status", string(res.Status)),
			zap.Error(err))
	}
	cancel()

	m.cache.drop(rt.taskID)
	m.clearRunning(rt)
	rt.cancel()

	m.logger.Info("task settled",
		zap.String("session_id", rt.sessionID),
		zap.String("task_id", rt.taskID),
		zap.String("status", string(res.Status)))
}

// failStart marks a task row as errored when its collaborators could
// not be constructed.
func (m *Manager) failStart(task *v1.Task, cause error) {
	now := time.Now().UTC()
	msg := errors.Message(cause)
	ctx, cancel := context.WithTimeout(context.Background(), statusUpdateTimeout)
	defer cancel()
	if err := m.tasks.UpdateTaskStatus(ctx, task.ID, v1.TaskStatusError, store.StatusUpdate{
		EndTime: &now,
		Error:   &msg,
	}); err != nil {
		m.logger.Warn("failed to mark task as errored",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}

func (m *Manager) clearRunning(rt *runningTask) {
	m.mu.Lock()
	if sess, ok := m.sessions[rt.sessionID]; ok && sess.running == rt {
		sess.running = nil
		sess.lastActivity = time.Now().UTC()
	}
	delete(m.running, rt.taskID)
	m.mu.Unlock()
}

// Stop cancels the session's running task. Stopping an idle session is
// a no-op.
func (m *Manager) Stop(sessionID string) error {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	var rt *runningTask
	if ok {
		rt = sess.running
	}
	m.mu.RUnlock()
	if !ok {
		return errors.NotFound("session", sessionID)
	}
	if rt != nil {
		m.logger.Info("stop requested",
			zap.String("session_id", sessionID),
			zap.String("task_id", rt.taskID))
		rt.cancel()
	}
	return nil
}

// StopTask cancels a task by id. Stopping a task that already reached a
// terminal state is a no-op.
func (m *Manager) StopTask(ctx context.Context, taskID string) error {
	m.mu.RLock()
	rt, ok := m.running[taskID]
	m.mu.RUnlock()
	if ok {
		m.logger.Info("stop requested", zap.String("task_id", rt.taskID))
		rt.cancel()
		return nil
	}
	// Not running: it must at least exist.
	_, err := m.tasks.GetTask(ctx, taskID)
	return err
}

// Subscribe attaches a subscriber to a session's event stream.
func (m *Manager) Subscribe(sessionID string) (*Subscriber, error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		sess.lastActivity = time.Now().UTC()
	}
	m.mu.Unlock()
	if !ok {
		return nil, errors.NotFound("session", sessionID)
	}
	return m.hub.Subscribe(sessionID), nil
}

// Unsubscribe detaches a subscriber.
func (m *Manager) Unsubscribe(sub *Subscriber) {
	m.hub.Unsubscribe(sub)
}

// Resolve delivers a confirmation or takeover reply by request id.
func (m *Manager) Resolve(requestID string, approved bool) bool {
	return m.interact.Resolve(requestID, approved)
}

// Tap registers a process-wide event consumer (the bus bridge).
func (m *Manager) Tap(fn func(*events.Event)) {
	m.hub.Tap(fn)
}

// GetTask returns a task by id.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*v1.Task, error) {
	return m.tasks.GetTask(ctx, taskID)
}

// ListTasks returns tasks matching the filter.
func (m *Manager) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*v1.Task, error) {
	return m.tasks.ListTasks(ctx, filter)
}

// GetSteps returns a task's steps, merging persisted rows with the
// in-memory cache so a running task's latest steps are visible before
// the tracker flush lands.
func (m *Manager) GetSteps(ctx context.Context, taskID string, page store.Page) ([]v1.StepRecord, error) {
	stored, err := m.tasks.GetSteps(ctx, taskID, store.Page{})
	if err != nil {
		return nil, err
	}
	steps := merge(stored, m.cache.steps(taskID))

	if page.Offset > 0 {
		if page.Offset >= len(steps) {
			return []v1.StepRecord{}, nil
		}
		steps = steps[page.Offset:]
	}
	if page.Limit > 0 && len(steps) > page.Limit {
		steps = steps[:page.Limit]
	}
	return steps, nil
}

// Close stops all running tasks and waits for them to settle, bounded
// by ctx. Further Start calls fail.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	active := make([]*runningTask, 0, len(m.running))
	for _, rt := range m.running {
		active = append(active, rt)
	}
	m.mu.Unlock()

	for _, rt := range active {
		rt.cancel()
	}
	for _, rt := range active {
		select {
		case <-rt.done:
		case <-ctx.Done():
			m.hub.Close()
			return ctx.Err()
		}
	}
	m.hub.Close()
	return nil
}

func (m *Manager) view(sess *session) *v1.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewLocked(sess)
}

// viewLocked builds a session view; callers hold m.mu.
func (m *Manager) viewLocked(sess *session) *v1.Session {
	view := &v1.Session{
		ID:              sess.id,
		CreatedAt:       sess.createdAt,
		SubscriberCount: m.hub.SubscriberCount(sess.id),
	}
	if sess.running != nil {
		id := sess.running.taskID
		view.RunningTaskID = &id
	}
	if !sess.lastActivity.IsZero() {
		last := sess.lastActivity
		view.LastActivityAt = &last
	}
	return view
}
