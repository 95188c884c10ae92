package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"agentloom/internal/domain"
	"agentloom/internal/eventlog"
	"agentloom/internal/fs"
	"agentloom/internal/graph"
	"agentloom/internal/interaction"
	"agentloom/internal/messaging/inproc"
	"agentloom/internal/policy"
	"agentloom/internal/reconcile"
	"agentloom/internal/route"
	"agentloom/internal/runner"
	"agentloom/internal/scheduler"
	"agentloom/internal/store/sqlite"
)

const userAgentID = "user"

type Config struct {
	WorkspaceRoot    string
	Ignore           []string
	WatchWorkspace   bool
	Debounce         time.Duration
	MaxConcurrency   int
	ErrorPolicy      policy.ErrorPolicy
	MissPolicy       route.MissPolicy
	BusCapacity      int
	TransientRetries int
	MaxHistory       int
	AskPollInterval  time.Duration
	AskMaxInterval   time.Duration
	AskTimeout       time.Duration
	WatchInterval    time.Duration
	GraphManifest    string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = scheduler.DefaultMaxConcurrency
	}
	if c.ErrorPolicy == "" {
		c.ErrorPolicy = policy.StopGraph
	}
	if c.MissPolicy == "" {
		c.MissPolicy = route.MissDrop
	}
	if c.BusCapacity <= 0 {
		c.BusCapacity = inproc.DefaultCapacity
	}
	if c.TransientRetries <= 0 {
		c.TransientRetries = eventlog.DefaultRetries
	}
	if c.AskPollInterval <= 0 {
		c.AskPollInterval = interaction.DefaultAskInterval
	}
	if c.AskMaxInterval <= 0 {
		c.AskMaxInterval = interaction.DefaultMaxInterval
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = interaction.DefaultAskTimeout
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = interaction.DefaultAskInterval
	}
	if c.Debounce <= 0 {
		c.Debounce = fs.DefaultDebounce
	}
	return c
}

type Service struct {
	store       *sqlite.Store
	bus         *inproc.Bus
	events      *eventlog.Log
	runner      *runner.Runner
	executor    *scheduler.Executor
	coordinator *interaction.Coordinator
	asker       *interaction.Asker
	scanner     *fs.Scanner
	reconciler  *reconcile.Reconciler
	cfg         Config
	logger      *log.Logger

	wg         sync.WaitGroup
	cancel     context.CancelFunc
	reconcileM sync.Mutex
}

func New(store *sqlite.Store, worker runner.Worker, cfg Config, logger *log.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if worker == nil {
		return nil, &domain.ConfigurationError{Reason: "no worker configured"}
	}

	bus := inproc.New(cfg.BusCapacity, logger)
	events := eventlog.New(store, bus, eventlog.Options{Retries: cfg.TransientRetries, Logger: logger})
	retry := sqlite.RetryPolicy{
		Attempts: cfg.TransientRetries,
		OnBusy: func(attempt int, err error) {
			logger.Printf("orchestrator store busy attempt=%d err=%v", attempt, err)
		},
	}
	run := runner.New(store, events, store, worker, runner.Options{
		MissPolicy:      cfg.MissPolicy,
		MaxHistory:      cfg.MaxHistory,
		QuestionTimeout: cfg.AskTimeout,
		Retry:           retry,
		Logger:          logger,
	})
	s := &Service{
		store:       store,
		bus:         bus,
		events:      events,
		runner:      run,
		executor:    scheduler.New(run, events, cfg.MaxConcurrency, logger),
		coordinator: interaction.NewCoordinator(store, events, interaction.Options{PollInterval: cfg.WatchInterval, Retry: retry, Logger: logger}),
		asker: interaction.NewAsker(store, interaction.AskerOptions{
			Interval:    cfg.AskPollInterval,
			MaxInterval: cfg.AskMaxInterval,
			Timeout:     cfg.AskTimeout,
			Retry:       retry,
			Logger:      logger,
		}),
		cfg:    cfg,
		logger: logger,
	}
	if strings.TrimSpace(cfg.WorkspaceRoot) != "" {
		scanner, err := fs.NewScanner(cfg.WorkspaceRoot, cfg.Ignore)
		if err != nil {
			return nil, fmt.Errorf("open workspace: %w", err)
		}
		s.scanner = scanner
		s.reconciler = reconcile.New(scanner, store, events, logger)
	}
	return s, nil
}

func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.bus.Start(ctx)

	var watcher *fs.Watcher
	if s.scanner != nil && s.cfg.WatchWorkspace {
		w, err := fs.NewWatcher(s.scanner, s.cfg.Debounce, s.logger)
		if err != nil {
			cancel()
			return fmt.Errorf("start workspace watcher: %w", err)
		}
		watcher = w
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.coordinator.Run(ctx); err != nil {
			s.logger.Printf("coordinator loop error: %v", err)
		}
	}()
	if watcher != nil {
		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			watcher.Run(ctx)
		}()
		go func() {
			defer s.wg.Done()
			s.workspaceLoop(ctx, watcher.Changes())
		}()
	}
	s.logger.Printf("service started workspace=%q max_concurrency=%d policy=%s", s.cfg.WorkspaceRoot, s.executor.MaxConcurrency(), s.cfg.ErrorPolicy)
	return nil
}

func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.bus.Close()
	if dropped := s.bus.Dropped(); dropped > 0 {
		s.logger.Printf("service closed bus_dropped=%d", dropped)
	}
}

func (s *Service) workspaceLoop(ctx context.Context, changes <-chan []fs.Change) {
	for batch := range changes {
		paths := make([]string, 0, len(batch))
		for _, c := range batch {
			paths = append(paths, c.Path)
		}
		s.logger.Printf("workspace changed paths=%s", trimText(strings.Join(paths, ","), 300))
		if _, err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.logger.Printf("workspace reconcile error: %v", err)
		}
	}
}

func (s *Service) Select(ctx context.Context, agentID string) (domain.AgentState, error) {
	return s.store.LoadState(ctx, agentID)
}

func (s *Service) ListAgents(ctx context.Context) ([]domain.AgentState, error) {
	return s.store.ListStates(ctx)
}

func (s *Service) QueryEvents(ctx context.Context, f eventlog.Filter) ([]domain.Event, error) {
	return s.events.Query(ctx, f)
}

func (s *Service) Subscribe(pattern string, handler inproc.Handler) *inproc.Subscription {
	return s.bus.Subscribe(pattern, handler)
}

func (s *Service) Unsubscribe(sub *inproc.Subscription) {
	s.bus.Unsubscribe(sub)
}

func (s *Service) Chat(ctx context.Context, agentID, text string) (domain.TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.TurnResult{}, errors.New("empty chat text")
	}
	state, err := s.store.LoadState(ctx, agentID)
	if err != nil {
		return domain.TurnResult{}, err
	}
	if state.Orphaned {
		return domain.TurnResult{}, fmt.Errorf("chat %s: %w", agentID, domain.ErrOrphaned)
	}
	if _, err := s.events.Emit(ctx, domain.Event{
		Category:  domain.CategoryUser,
		Action:    domain.ActionChat,
		FromAgent: userAgentID,
		Payload:   mustJSON(map[string]string{"agent_id": agentID, "text": text}),
	}); err != nil {
		return domain.TurnResult{}, fmt.Errorf("record chat: %w", err)
	}
	return s.Dispatch(ctx, domain.Trigger{Kind: domain.TriggerUserChat, AgentID: agentID, Text: text})
}

func (s *Service) Trigger(ctx context.Context, agentID string) (domain.TurnResult, error) {
	return s.Dispatch(ctx, domain.Trigger{Kind: domain.TriggerManual, AgentID: agentID})
}

func (s *Service) Dispatch(ctx context.Context, trigger domain.Trigger) (domain.TurnResult, error) {
	switch trigger.Kind {
	case domain.TriggerFileChanged, domain.TriggerMessageReceived, domain.TriggerUserChat, domain.TriggerManual:
	default:
		return domain.TurnResult{}, fmt.Errorf("unknown trigger kind %q", trigger.Kind)
	}
	if trigger.AgentID == "" {
		return domain.TurnResult{}, errors.New("trigger without agent id")
	}
	result, err := s.executor.RunOne(ctx, trigger.AgentID, trigger)
	if err != nil {
		return result, err
	}
	s.logger.Printf("turn done agent=%s trigger=%s status=%s inbox=%d", trigger.AgentID, trigger.Kind, result.Status, result.InboxCount)
	return result, nil
}

type RespondOutcome struct {
	interaction.RespondResult
	Turn *domain.TurnResult `json:"turn,omitempty"`
}

func (s *Service) Respond(ctx context.Context, agentID, msgID, answer string) (RespondOutcome, error) {
	res, err := s.coordinator.Respond(ctx, agentID, msgID, answer)
	if err != nil {
		return RespondOutcome{}, err
	}
	out := RespondOutcome{RespondResult: res}
	if !res.TurnBlocked || res.Stale || res.Duplicate {
		return out, nil
	}
	turn, err := s.Dispatch(ctx, domain.Trigger{Kind: domain.TriggerMessageReceived, AgentID: agentID})
	if err != nil {
		return out, fmt.Errorf("resume %s: %w", agentID, err)
	}
	out.Turn = &turn
	return out, nil
}

func (s *Service) Ask(ctx context.Context, req interaction.AskRequest) (string, error) {
	if _, err := s.store.LoadState(ctx, req.AgentID); err != nil {
		return "", err
	}
	return s.asker.Ask(ctx, req)
}

func (s *Service) PendingQuestions(ctx context.Context) ([]domain.PendingQuestion, error) {
	all, err := interaction.ListQuestions(ctx, s.store)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PendingQuestion, 0, len(all))
	for _, q := range all {
		if q.Status == domain.QuestionStatusPending {
			out = append(out, q)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type ReconcileResult struct {
	reconcile.Report
	Turns []domain.TurnResult `json:"turns,omitempty"`
}

func (s *Service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	if s.reconciler == nil {
		return ReconcileResult{}, &domain.ConfigurationError{Reason: "no workspace root configured"}
	}
	s.reconcileM.Lock()
	report, err := s.reconciler.Reconcile(ctx)
	s.reconcileM.Unlock()
	if err != nil {
		return ReconcileResult{Report: report}, err
	}

	result := ReconcileResult{Report: report, Turns: make([]domain.TurnResult, len(report.Changed))}
	var wg sync.WaitGroup
	for i, trigger := range report.Changed {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, err := s.Dispatch(ctx, trigger)
			if err != nil {
				s.logger.Printf("file_changed turn error agent=%s err=%v", trigger.AgentID, err)
				turn.AgentID = trigger.AgentID
				turn.Trigger = trigger
				if turn.Status == "" {
					turn.Status = domain.TurnStatusFailed
				}
				if turn.Error == "" {
					turn.Error = err.Error()
				}
			}
			result.Turns[i] = turn
		}()
	}
	wg.Wait()
	return result, nil
}

type GraphRequest struct {
	// Manifest is a YAML graph manifest path; empty falls back to the
	// configured manifest, then to the persisted agent edges.
	Manifest string             `json:"manifest,omitempty"`
	Policy   string             `json:"policy,omitempty"`
	Trigger  domain.TriggerKind `json:"trigger,omitempty"`
	Text     string             `json:"text,omitempty"`
}

func (s *Service) ExecuteGraph(ctx context.Context, req GraphRequest) (scheduler.Report, error) {
	pol := s.cfg.ErrorPolicy
	if strings.TrimSpace(req.Policy) != "" {
		parsed, err := policy.Parse(req.Policy)
		if err != nil {
			return scheduler.Report{}, err
		}
		pol = parsed
	}
	g, err := s.loadGraph(ctx, req.Manifest)
	if err != nil {
		return scheduler.Report{}, err
	}
	kind := req.Trigger
	if kind == "" {
		kind = domain.TriggerManual
	}
	report, err := s.executor.Execute(ctx, g, scheduler.ExecOptions{
		Policy:  pol,
		Trigger: domain.Trigger{Kind: kind, Text: req.Text},
	})
	if err != nil {
		return report, err
	}
	s.logger.Printf("graph done execution=%s nodes=%d halted=%t cancelled=%t", report.ExecutionID, g.Len(), report.Halted, report.Cancelled)
	return report, nil
}

func (s *Service) loadGraph(ctx context.Context, manifest string) (*graph.Graph, error) {
	if manifest == "" {
		manifest = s.cfg.GraphManifest
	}
	if manifest != "" {
		return graph.LoadManifest(manifest)
	}
	states, err := s.store.ListStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents for graph: %w", err)
	}
	return graph.FromStates(states)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func trimText(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
