package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/arc/internal/agent"
	"github.com/haasonsaas/arc/internal/backtrack"
	"github.com/haasonsaas/arc/internal/compaction"
	"github.com/haasonsaas/arc/internal/config"
	"github.com/haasonsaas/arc/internal/events"
	"github.com/haasonsaas/arc/internal/llm"
	"github.com/haasonsaas/arc/internal/observability"
	"github.com/haasonsaas/arc/internal/sessions"
	"github.com/haasonsaas/arc/internal/state"
	"github.com/haasonsaas/arc/internal/tools"
	"github.com/haasonsaas/arc/pkg/models"
)

func buildRunCmd() *cobra.Command {
	var configPath, prompt, workspace, resumeToken string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an interactive agent session",
		Long:  "Starts a REPL session against the configured LLM provider. Each prompt runs the agent loop with tool execution, snapshotting, and rollback; Ctrl-C stops the current task.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), configPath, prompt, workspace, resumeToken)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the config file")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Run a single prompt instead of the REPL")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", ".", "Workspace root for the file tools")
	cmd.Flags().StringVar(&resumeToken, "resume", "", "Resume a suspended session from its token")
	return cmd
}

// session bundles everything one arc run owns.
type session struct {
	cfg         *config.Config
	logger      *observability.Logger
	executor    *agent.Executor
	stateMgr    *state.Manager
	broadcaster *events.Broadcaster
	registry    *tools.Registry
	costs       *llm.CostTracker
	engine      *backtrack.Engine

	ec        *agent.ExecutionContext
	messages  []models.Message
	suspended bool
	snapID    string

	watcher *config.Watcher
	resume  *sessions.ResumeTokenService
	store   sessions.Store

	in  *bufio.Reader
	out io.Writer

	hitl    chan agent.HITLResponse
	choices chan agent.BacktrackChoice
	clarify chan string
	costOK  chan agent.ConfirmDecision
	longOK  chan agent.ConfirmDecision
}

func runSession(ctx context.Context, configPath, prompt, workspace, resumeToken string) error {
	var cfg *config.Config
	var watcher *config.Watcher
	if configPath != "" {
		// Tunable changes (budgets, thresholds) apply between tasks.
		w, err := config.NewWatcher(configPath)
		if err != nil {
			return err
		}
		defer w.Close()
		watcher = w
		cfg = w.Current()
	} else {
		var err error
		cfg, err = config.Load("")
		if err != nil {
			return err
		}
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tracer, shutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "arc",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdown(context.Background())

	svc, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}

	store, err := sessions.NewStore(cfg.Sessions)
	if err != nil {
		return err
	}
	defer store.Close()

	stateMgr, err := state.NewManager(cfg.Snapshot, cfg.Rollback, logger)
	if err != nil {
		return err
	}
	defer stateMgr.Close()

	registry := tools.NewRegistry()
	fsCfg := tools.FSConfig{Workspace: workspace}
	for _, tool := range []tools.Tool{
		tools.NewReadFileTool(fsCfg),
		tools.NewWriteFileTool(fsCfg),
		tools.NewShellTool(workspace, cfg.Tools.ExecTimeout),
		agent.PlanTool{},
		agent.HITLTool{},
	} {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Name(), err)
		}
	}

	broadcaster := events.NewBroadcaster(store, logger, cfg.Executor.EventBufferSize)
	compactor := compaction.New(cfg.Context, llm.NewTokenCounter(cfg.LLM.Model), logger)
	engine := backtrack.NewEngine(cfg.Backtrack, nil, registry, logger)
	costs := llm.NewCostTracker()
	metrics := observability.NewMetrics(nil)

	executor := agent.NewExecutor(cfg, svc, broadcaster, compactor, engine, stateMgr, store, costs, logger, metrics)
	executor.SetTracer(tracer)

	resume := sessions.NewResumeTokenService(cfg.Sessions.ResumeSecret, 24*time.Hour)

	var sessionID string
	var history []models.Message
	resumed := false
	if resumeToken != "" {
		claims, err := resume.Validate(resumeToken)
		if err != nil {
			return err
		}
		sessionID = claims.Subject
		if _, err := store.Get(ctx, sessionID); err != nil {
			return fmt.Errorf("resume session %s: %w", sessionID, err)
		}
		msgs, err := store.History(ctx, sessionID, 0)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			history = append(history, *m)
		}
		resumed = true
	} else {
		sessionID = uuid.NewString()
		if err := store.Create(ctx, &models.Session{ID: sessionID, Status: models.SessionActive}); err != nil {
			return err
		}
	}

	s := &session{
		cfg:         cfg,
		logger:      logger,
		executor:    executor,
		stateMgr:    stateMgr,
		broadcaster: broadcaster,
		registry:    registry,
		costs:       costs,
		engine:      engine,
		watcher:     watcher,
		resume:      resume,
		store:       store,
		messages:    history,
		suspended:   resumed,
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
		hitl:        make(chan agent.HITLResponse, 1),
		choices:     make(chan agent.BacktrackChoice, 1),
		clarify:     make(chan string, 1),
		costOK:      make(chan agent.ConfirmDecision, 1),
		longOK:      make(chan agent.ConfirmDecision, 1),
	}

	cache := &agent.PlanCache{}
	planHandler := agent.NewPlanHandler(cache)
	flow := agent.NewFlow(cfg.Tools, registry, stateMgr, broadcaster, logger)
	flow.SetTracer(tracer)
	flow.RegisterHandler("plan", planHandler)
	flow.RegisterHandler("ask_user", agent.NewHITLHandler(broadcaster, s.hitl))

	conversationID := uuid.NewString()
	s.ec = &agent.ExecutionContext{
		SessionID:        sessionID,
		ConversationID:   conversationID,
		SystemPrompt:     systemPrompt(workspace, registry.Names()),
		Tools:            toolDefinitions(registry),
		Runtime:          models.NewRuntimeContext(sessionID, conversationID, ""),
		Backtrack:        engine.NewState(),
		PlanCache:        cache,
		Flow:             flow,
		PlanHandler:      planHandler,
		HITL:             s.hitl,
		BacktrackChoices: s.choices,
		Clarifications:   s.clarify,
		CostChoices:      s.costOK,
		LongRunAcks:      s.longOK,
	}

	go s.renderEvents(ctx, sessionID)

	if prompt != "" {
		return s.runTask(ctx, prompt)
	}
	return s.repl(ctx)
}

func (s *session) repl(ctx context.Context) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("repl needs a terminal; use --prompt for non-interactive runs")
	}
	fmt.Fprintf(s.out, "arc %s | provider %s model %s | type 'exit' to quit\n",
		version, s.cfg.LLM.Provider, s.cfg.LLM.Model)

	for {
		fmt.Fprint(s.out, "\n> ")
		line, err := s.in.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case "cost":
			fmt.Fprintf(s.out, "session cost: $%.4f\n", s.costs.Cost())
			continue
		}

		if err := s.runTask(ctx, line); err != nil {
			fmt.Fprintln(s.out, "task failed:", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// runTask executes one user prompt as a snapshotted task. A prompt that
// arrives while a task is suspended resumes that task with the same
// snapshot instead of starting a new one.
func (s *session) runTask(ctx context.Context, prompt string) error {
	if !s.suspended {
		if s.watcher != nil {
			*s.cfg = *s.watcher.Current()
		}
		if pre := s.stateMgr.PreTaskCheck(nil); !pre.Passed {
			return fmt.Errorf("environment check failed: %s", strings.Join(pre.Issues, "; "))
		}

		taskID := uuid.NewString()
		snapID, err := s.stateMgr.CreateSnapshot(ctx, taskID, nil)
		if err != nil {
			s.logger.Warn(ctx, "snapshot failed, running without rollback", "error", err)
		}
		s.ec.TaskID = taskID
		s.snapID = snapID
		s.ec.Runtime = models.NewRuntimeContext(s.ec.SessionID, s.ec.ConversationID, s.ec.UserID)
		s.ec.Backtrack = s.engine.NewState()
	}
	s.suspended = false

	userMsg := models.UserMessage(prompt)
	userMsg.ConversationID = s.ec.ConversationID
	userMsg.Status = models.StatusCompleted
	if err := s.store.AppendMessage(ctx, s.ec.SessionID, &userMsg); err != nil {
		s.logger.Warn(ctx, "persist prompt failed", "error", err)
	}
	s.messages = append(s.messages, userMsg)
	res, err := s.executor.Execute(ctx, s.ec, s.messages)
	if err != nil {
		if s.snapID != "" {
			s.stateMgr.Rollback(ctx, s.snapID)
		}
		return err
	}
	s.messages = res.Messages

	if res.Suspended {
		// The next prompt resumes the same task; keep the snapshot alive.
		s.suspended = true
		if sess, err := s.store.Get(ctx, s.ec.SessionID); err == nil {
			sess.LastSeq = s.broadcaster.LastSeq(s.ec.SessionID)
			if err := s.store.Update(ctx, sess); err != nil {
				s.logger.Warn(ctx, "session seq update failed", "error", err)
			}
			if token, err := s.resume.Mint(s.ec.SessionID, "", sess.LastSeq); err == nil {
				fmt.Fprintf(s.out, "\nresume token: %s\n", token)
			}
		}
		fmt.Fprintln(s.out)
		return nil
	}

	if s.snapID != "" {
		if s.stateMgr.ShouldAutoRollback(s.ec.TaskID, s.ec.Runtime.ConsecutiveFailures, false) {
			statuses := s.stateMgr.Rollback(ctx, s.snapID)
			fmt.Fprintln(s.out, "\nrolled back after repeated failures:")
			for _, st := range statuses {
				fmt.Fprintln(s.out, " -", st)
			}
		} else {
			s.stateMgr.Commit(s.ec.TaskID)
		}
	}

	fmt.Fprintf(s.out, "\n[%s]\n", res.FinishReason)
	return nil
}

// renderEvents turns the broadcast stream into terminal output and feeds
// interactive prompts back into the executor's channels.
func (s *session) renderEvents(ctx context.Context, sessionID string) {
	ch, cancel := s.broadcaster.Subscribe(sessionID, 0)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.render(ev)
		}
	}
}

func (s *session) render(ev models.Event) {
	switch ev.Type {
	case models.EventContentDelta:
		fmt.Fprint(s.out, str(ev.Data, "text"))

	case models.EventToolUseStart:
		fmt.Fprintf(s.out, "\n[tool] %s ", str(ev.Data, "tool_name"))

	case models.EventToolResult:
		status := "ok"
		if b, _ := ev.Data["is_error"].(bool); b {
			status = "error"
		}
		fmt.Fprintf(s.out, "-> %s\n", status)

	case models.EventHITLConfirm:
		if q := str(ev.Data, "question"); q != "" {
			s.promptHITL(q, ev.Data["options"])
		} else {
			s.promptDanger(str(ev.Data, "reason"))
		}

	case models.EventBacktrackExhaustedConfirm:
		s.promptChoice()

	case models.EventIntentClarifyRequest:
		s.promptClarify(str(ev.Data, "reason"))

	case models.EventCostLimitConfirm, models.EventCostUrgentConfirm:
		s.promptCost(str(ev.Data, "reason"))

	case models.EventLongRunningConfirm:
		s.promptLongRunning(str(ev.Data, "reason"))

	case models.EventCostWarn:
		fmt.Fprintf(s.out, "\n[cost] %s\n", str(ev.Data, "message"))

	case models.EventBacktrack:
		fmt.Fprintf(s.out, "\n[backtrack] %s via %s\n", str(ev.Data, "tool"), str(ev.Data, "type"))

	case models.EventRollbackOptions:
		fmt.Fprintf(s.out, "\n[rollback available] %s\n", str(ev.Data, "reason"))

	case models.EventError:
		fmt.Fprintf(s.out, "\n[error] %s\n", str(ev.Data, "user_message"))
	}
}

func (s *session) promptHITL(question string, options any) {
	fmt.Fprintf(s.out, "\n[question] %s\n", question)
	if opts, ok := options.([]any); ok && len(opts) > 0 {
		fmt.Fprintf(s.out, "options: %v\n", opts)
	}
	answer := s.readLine("answer (empty rejects): ")
	if answer == "" {
		s.hitl <- agent.HITLResponse{Decision: agent.DecisionReject}
		return
	}
	s.hitl <- agent.HITLResponse{Decision: agent.DecisionApprove, Text: answer}
}

func (s *session) promptDanger(reason string) {
	fmt.Fprintf(s.out, "\n[confirm] %s\n", reason)
	if s.yes("proceed? [y/N]: ") {
		s.hitl <- agent.HITLResponse{Decision: agent.DecisionApprove}
		return
	}
	s.hitl <- agent.HITLResponse{Decision: agent.DecisionReject}
}

func (s *session) promptChoice() {
	fmt.Fprintln(s.out, "\n[recovery exhausted] choose: retry / rollback / stop")
	switch s.readLine("choice [stop]: ") {
	case "retry":
		s.choices <- agent.ChoiceRetry
	case "rollback":
		s.choices <- agent.ChoiceRollback
	default:
		s.choices <- agent.ChoiceStop
	}
}

func (s *session) promptClarify(reason string) {
	fmt.Fprintf(s.out, "\n[clarify] %s\n", reason)
	s.clarify <- s.readLine("what did you mean? ")
}

func (s *session) promptCost(reason string) {
	fmt.Fprintf(s.out, "\n[cost] %s (so far: $%.4f)\n", reason, s.costs.Cost())
	if s.yes("keep going? [y/N]: ") {
		s.costOK <- agent.DecisionApprove
		return
	}
	s.costOK <- agent.DecisionReject
}

func (s *session) promptLongRunning(reason string) {
	fmt.Fprintf(s.out, "\n[still working] %s\n", reason)
	if s.yes("continue? [y/N]: ") {
		s.longOK <- agent.DecisionApprove
		return
	}
	s.longOK <- agent.DecisionReject
}

func (s *session) readLine(prompt string) string {
	fmt.Fprint(s.out, prompt)
	line, err := s.in.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(line)
}

func (s *session) yes(prompt string) bool {
	answer := strings.ToLower(s.readLine(prompt))
	return answer == "y" || answer == "yes"
}

func systemPrompt(workspace string, toolNames []string) string {
	return fmt.Sprintf(
		"You are arc, a careful execution agent working in %s. Available tools: %s. Plan before multi-step work, verify results after destructive steps, and ask the user when a decision is not yours to make.",
		workspace, strings.Join(toolNames, ", "))
}

func toolDefinitions(registry *tools.Registry) []llm.ToolDefinition {
	list := registry.List()
	defs := make([]llm.ToolDefinition, 0, len(list))
	for _, t := range list {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}

func str(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
