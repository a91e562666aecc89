package cua

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// defaultModelDeadline bounds a single model call when the process
// otherwise has no deadline configured.
const defaultModelDeadline = 120 * time.Second

// SamplingLoop runs one task to either model-terminates,
// agent-reports-status, explicit stop, or max iterations, per §4.D. It is
// inherently sequential inside one task: the model call and the following
// tool execution must complete before the next iteration starts.
type SamplingLoop struct {
	model   ModelPort
	store   StateStore
	objects ObjectStore
	memory  MemoryPort
	sm      *SessionManager
	tasks   *TaskCoordinator
	shaper  ContextShaper
	logger  *zap.Logger
	tracer  Tracer
}

// NewSamplingLoop wires the components SamplingLoop drives. logger/tracer
// may be nil.
func NewSamplingLoop(model ModelPort, store StateStore, objects ObjectStore, memory MemoryPort, sm *SessionManager, tasks *TaskCoordinator, logger *zap.Logger, tracer Tracer) *SamplingLoop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SamplingLoop{
		model:   model,
		store:   store,
		objects: objects,
		memory:  memory,
		sm:      sm,
		tasks:   tasks,
		shaper:  NewContextShaper(),
		logger:  logger,
		tracer:  tracer,
	}
}

// RunInput bundles the inputs to one SamplingLoop.Run call.
type RunInput struct {
	SystemPrompt    string
	Messages        []Message // reconstructed from storage on resume
	RemoteSessionID string
	ChatSessionID   string
	TaskID          string
	StartIteration  int
	Config          ExecutionConfig
	Tools           []ToolDefinition
	Sink            EventSink
}

// Run drives taskID through iterations until termination. It returns the
// final assistant text. Per-iteration failures (§4.D step 13) are handled
// internally — they mark the task failed and return nil; callers inspect
// the task row, not this return value, to learn the outcome.
func (sl *SamplingLoop) Run(ctx context.Context, in RunInput) (string, error) {
	messages := append([]Message(nil), in.Messages...)
	sink := in.Sink
	if sink == nil {
		sink = NoopSink{}
	}

	sink.Push(LoopEvent{Kind: EventMetadata, Data: MetadataPayload{
		SessionID:        in.ChatSessionID,
		BrowserSessionID: in.RemoteSessionID,
		TaskID:           in.TaskID,
		Timestamp:        time.Now(),
	}})

	var finalText string
	for i := in.StartIteration; i < in.Config.MaxIterations; i++ {
		iterCtx, span := sl.startSpan(ctx, "sampling_loop.iteration", IntAttr("iteration", i))

		sl.tasks.AdvanceIteration(iterCtx, in.TaskID, i+1)

		// Stop check A: before any work this iteration.
		if stopped, err := sl.checkStopped(iterCtx, in.TaskID, sink); err != nil {
			span.End()
			return finalText, err
		} else if stopped {
			span.End()
			return finalText, nil
		}

		iterStart := time.Now()
		req := sl.buildRequest(in, messages)

		reqBytes, _ := json.Marshal(req)
		sl.logger.Debug("outgoing request",
			zap.Int("iteration", i),
			zap.Int("bytes", len(reqBytes)),
			zap.Int("images", countImages(req.Messages)))

		// Stop check B: just before the model call, saving the largest
		// cost item if a stop arrived since check A.
		if stopped, err := sl.checkStopped(iterCtx, in.TaskID, sink); err != nil {
			span.End()
			return finalText, err
		} else if stopped {
			span.End()
			return finalText, nil
		}

		modelStart := time.Now()
		modelCtx, cancel := context.WithTimeout(iterCtx, defaultModelDeadline)
		resp, err := sl.model.Invoke(modelCtx, req)
		cancel()
		apiLatency := time.Since(modelStart)

		if err != nil {
			span.Error(err)
			span.End()
			modelErr := &ModelError{Model: in.Config.Model, Message: err.Error()}
			_ = sl.tasks.Fail(ctx, in.TaskID, modelErr.Error())
			sink.Push(LoopEvent{Kind: EventErrorKind, Data: ErrorPayload{Message: modelErr.Error()}})
			return finalText, nil
		}

		assistantMsg := Message{
			ID:            NewID(),
			ChatSessionID: in.ChatSessionID,
			TaskID:        in.TaskID,
			Role:          RoleAssistant,
			Blocks:        resp.Blocks,
			Iteration:     i + 1,
			RawRequest:    reqBytes,
			APILatency:    apiLatency,
			CreatedAt:     time.Now(),
		}
		messages = append(messages, assistantMsg)

		toolExecStart := time.Now()
		toolResults, taskStatusReported, reportedStatus, reportedMsg, reportedEvidence := sl.dispatchTools(iterCtx, in, resp.Blocks)
		toolExecTime := time.Since(toolExecStart)

		if err := sl.store.AppendMessage(ctx, &assistantMsg); err != nil {
			sl.logger.Warn("persist assistant message", zap.Error(err))
		}
		metric := &PerformanceMetric{
			ID:                  NewID(),
			TaskID:              in.TaskID,
			Iteration:           i + 1,
			APIResponseTime:     apiLatency,
			ToolExecutionTime:   toolExecTime,
			IterationTotalTime:  time.Since(iterStart),
			InputTokens:         resp.Usage.InputTokens,
			OutputTokens:        resp.Usage.OutputTokens,
			CacheReadTokens:     resp.Usage.CacheReadTokens,
			CacheCreationTokens: resp.Usage.CacheCreationTokens,
			RequestSizeBytes:    int64(len(reqBytes)),
			ImageCount:          countImages(req.Messages),
			CreatedAt:           time.Now(),
		}
		if err := sl.store.AppendPerformanceMetric(ctx, metric); err != nil {
			sl.logger.Warn("persist performance metric", zap.Error(err))
		}

		finalText = textOf(resp.Blocks)
		sink.Push(LoopEvent{Kind: EventMessage, Data: sl.renderMessage(assistantMsg, toolResults)})

		toolUseCount := countToolUses(resp.Blocks)
		span.End()

		switch {
		case toolUseCount == 0:
			// Natural completion: no tool_use blocks.
			if err := sl.tasks.Complete(ctx, in.TaskID, finalText); err != nil {
				sl.logger.Warn("complete task", zap.Error(err))
			}
			sl.updateSessionAggregates(ctx, in.ChatSessionID, i+1)
			sl.bestEffortDisconnect(ctx, in.RemoteSessionID)
			sink.Push(LoopEvent{Kind: EventDone, Data: DonePayload{FinalResponse: finalText, Timestamp: time.Now()}})
			return finalText, nil

		case taskStatusReported:
			if err := sl.tasks.ReportAgentStatus(ctx, in.TaskID, reportedStatus, reportedMsg, reportedEvidence); err != nil {
				sl.logger.Warn("report agent status", zap.Error(err))
			}
			sl.updateSessionAggregates(ctx, in.ChatSessionID, i+1)
			sl.bestEffortDisconnect(ctx, in.RemoteSessionID)
			sink.Push(LoopEvent{Kind: EventTaskStatus, Data: TaskStatusPayload{
				Status:      mapAgentStatus(reportedStatus),
				AgentStatus: reportedStatus,
				Message:     reportedMsg,
				Evidence:    reportedEvidence,
				Timestamp:   time.Now(),
			}})
			sink.Push(LoopEvent{Kind: EventDone, Data: DonePayload{FinalResponse: finalText, Timestamp: time.Now()}})
			return finalText, nil

		default:
			toolResultMsg := Message{
				ID:            NewID(),
				ChatSessionID: in.ChatSessionID,
				TaskID:        in.TaskID,
				Role:          RoleUser,
				Blocks:        toolResults,
				Iteration:     i + 1,
				CreatedAt:     time.Now(),
			}
			messages = append(messages, toolResultMsg)
			if err := sl.store.AppendMessage(ctx, &toolResultMsg); err != nil {
				sl.logger.Warn("persist tool result message", zap.Error(err))
			}

			if in.Config.InterIterationDelay > 0 {
				timer := time.NewTimer(in.Config.InterIterationDelay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return finalText, ctx.Err()
				case <-timer.C:
				}
			}
		}
	}

	// Post-loop: exhausted max iterations without a terminal status.
	maxMsg := "maximum iterations reached"
	sink.Push(LoopEvent{Kind: EventMessage, Data: MessagePayload{ID: NewID(), Role: RoleAssistant, Content: maxMsg}})
	if err := sl.tasks.Fail(ctx, in.TaskID, "max iterations reached"); err != nil {
		sl.logger.Warn("fail task at max iterations", zap.Error(err))
	}
	sink.Push(LoopEvent{Kind: EventTaskStatus, Data: TaskStatusPayload{Status: TaskFailed, Message: "max iterations reached", Timestamp: time.Now()}})
	return finalText, nil
}

// checkStopped implements stop-check A/B: re-reads task status and, if
// stopped, emits the task_status event. Status itself is already durable —
// TaskCoordinator.Stop wrote it — this call only observes it.
func (sl *SamplingLoop) checkStopped(ctx context.Context, taskID string, sink EventSink) (bool, error) {
	status, err := sl.tasks.Status(ctx, taskID)
	if err != nil {
		return false, err
	}
	if status != TaskStopped {
		return false, nil
	}
	sink.Push(LoopEvent{Kind: EventTaskStatus, Data: TaskStatusPayload{Status: TaskStopped, Timestamp: time.Now()}})
	return true, nil
}

// buildRequest shapes the accumulated message list via ContextShaper (K, R,
// cache annotations) into the outgoing ModelRequest.
func (sl *SamplingLoop) buildRequest(in RunInput, messages []Message) ModelRequest {
	shaped := sl.shaper.Shape(messages, in.Config.KeepScreenshots, in.Config.KeepReasoningBlocks)
	req := ModelRequest{
		SystemPrompt: in.SystemPrompt,
		Messages:     shaped,
		Tools:        in.Tools,
		Config:       in.Config,
	}
	if in.Config.EnablePromptCaching {
		req.CacheBreakpoints = sl.shaper.AnnotateCaching(req)
	}
	return req
}

// dispatchTools dispatches every tool_use block per §4.D step 9 and returns
// the synthesized tool_result blocks plus whether report_task_status fired.
func (sl *SamplingLoop) dispatchTools(ctx context.Context, in RunInput, blocks []ContentBlock) (results []ContentBlock, reported bool, status AgentStatus, message, evidence string) {
	for _, b := range blocks {
		if b.Type != BlockToolUse {
			continue
		}

		switch b.ToolName {
		case ToolComputer:
			results = append(results, sl.dispatchComputer(ctx, in, b))

		case ToolReportTaskStatus:
			args, decErr := decodeArgs[ReportTaskStatusArgs](b.ToolArgs)
			if decErr != nil {
				results = append(results, errorToolResult(b.ToolUseID, decErr.Error()))
				continue
			}
			reported = true
			status = args.Status
			message = args.Message
			evidence = args.Evidence
			results = append(results, ContentBlock{
				Type:         BlockToolResult,
				ToolResultID: b.ToolUseID,
				Content:      []ResultContent{{Type: ResultContentText, Text: "status recorded"}},
			})

		case ToolMemory:
			results = append(results, sl.dispatchMemory(ctx, b))

		default:
			results = append(results, errorToolResult(b.ToolUseID, "unknown tool: "+b.ToolName))
		}
	}
	return results, reported, status, message, evidence
}

func (sl *SamplingLoop) dispatchComputer(ctx context.Context, in RunInput, b ContentBlock) ContentBlock {
	// Tool-level stop check: interrupt before touching the remote browser.
	if status, err := sl.tasks.Status(ctx, in.TaskID); err == nil && status == TaskStopped {
		return ContentBlock{
			Type:         BlockToolResult,
			ToolResultID: b.ToolUseID,
			IsError:      true,
			Content:      []ResultContent{{Type: ResultContentText, Text: "User interrupted execution"}},
		}
	}

	args, err := decodeArgs[ComputerArgs](b.ToolArgs)
	if err != nil {
		return errorToolResult(b.ToolUseID, err.Error())
	}

	action := Action{
		Kind:         args.Action,
		X:            args.X,
		Y:            args.Y,
		DX:           args.DX,
		DY:           args.DY,
		Text:         args.Text,
		PerCharDelay: time.Duration(args.PerCharDelayMs) * time.Millisecond,
		KeyCombo:     args.KeyCombo,
		WaitFor:      time.Duration(args.WaitForMs) * time.Millisecond,
	}

	result, err := sl.sm.Perform(ctx, in.RemoteSessionID, action)
	if err != nil {
		return errorToolResult(b.ToolUseID, err.Error())
	}

	if args.Action != ActionScreenshot {
		return ContentBlock{
			Type:         BlockToolResult,
			ToolResultID: b.ToolUseID,
			Content:      []ResultContent{{Type: ResultContentText, Text: "ok"}},
		}
	}

	path := fmt.Sprintf("%s/%d.png", in.ChatSessionID, time.Now().UnixMilli())
	if err := sl.objects.Put(ctx, path, result.Screenshot, "image/png"); err != nil {
		sl.logger.Warn("upload screenshot", zap.Error(err))
		return ContentBlock{
			Type:         BlockToolResult,
			ToolResultID: b.ToolUseID,
			Content: []ResultContent{
				{Type: ResultContentImage, ImageBytes: result.Screenshot, MimeType: "image/png"},
			},
		}
	}
	const oneYearSeconds = int64(365 * 24 * 3600)
	url, err := sl.objects.SignedURL(ctx, path, oneYearSeconds)
	if err != nil {
		sl.logger.Warn("sign screenshot url", zap.Error(err))
	}

	return ContentBlock{
		Type:         BlockToolResult,
		ToolResultID: b.ToolUseID,
		Content: []ResultContent{
			{Type: ResultContentImage, ImageBytes: result.Screenshot, ImageURL: url, MimeType: "image/png"},
			{Type: ResultContentText, Text: screenshotURLText(url)},
		},
	}
}

func (sl *SamplingLoop) dispatchMemory(ctx context.Context, b ContentBlock) ContentBlock {
	args, err := decodeArgs[MemoryArgs](b.ToolArgs)
	if err != nil {
		return errorToolResult(b.ToolUseID, err.Error())
	}

	var (
		text  string
		opErr error
	)
	switch args.Verb {
	case MemoryView:
		text, opErr = sl.memory.View(ctx, args.Path)
	case MemoryCreate:
		opErr = sl.memory.Create(ctx, args.Path, args.Text)
	case MemoryStrReplace:
		opErr = sl.memory.StrReplace(ctx, args.Path, args.OldText, args.Text)
	case MemoryInsert:
		opErr = sl.memory.Insert(ctx, args.Path, args.Line, args.Text)
	case MemoryDelete:
		opErr = sl.memory.Delete(ctx, args.Path)
	case MemoryRename:
		opErr = sl.memory.Rename(ctx, args.Path, args.NewPath)
	default:
		opErr = fmt.Errorf("unknown memory verb %q", args.Verb)
	}

	if opErr != nil {
		return errorToolResult(b.ToolUseID, opErr.Error())
	}
	if text == "" {
		text = "ok"
	}
	return ContentBlock{
		Type:         BlockToolResult,
		ToolResultID: b.ToolUseID,
		Content:      []ResultContent{{Type: ResultContentText, Text: text}},
	}
}

// renderMessage builds the SSE message payload for one assistant turn,
// per §4.G: each tool call carries the result dispatchTools produced for
// it, matched by tool_use id, so a streaming client sees success/failure
// and any screenshot URL alongside the call itself rather than waiting for
// the (non-streamed) tool_results message.
func (sl *SamplingLoop) renderMessage(m Message, toolResults []ContentBlock) MessagePayload {
	resultsByID := make(map[string]ContentBlock, len(toolResults))
	for _, r := range toolResults {
		resultsByID[r.ToolResultID] = r
	}

	payload := MessagePayload{ID: m.ID, Role: m.Role, Content: textOf(m.Blocks)}
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockReasoning:
			payload.Reasoning = b.ReasoningText
		case BlockToolUse:
			summary := ToolCallSummary{ID: b.ToolUseID, Name: b.ToolName, Args: b.ToolArgs}
			if r, ok := resultsByID[b.ToolUseID]; ok {
				summary.Result = toolCallResultView(r)
			}
			payload.ToolCalls = append(payload.ToolCalls, summary)
		}
	}
	return payload
}

// toolCallResultView renders one synthesized tool_result ContentBlock into
// its client-facing view.
func toolCallResultView(r ContentBlock) ToolCallResultView {
	view := ToolCallResultView{Success: !r.IsError}
	for _, c := range r.Content {
		switch c.Type {
		case ResultContentText:
			if r.IsError {
				view.Error = c.Text
			} else if view.Description == "" {
				view.Description = c.Text
			}
		case ResultContentImage:
			if len(c.ImageBytes) > 0 {
				view.Screenshot = base64.StdEncoding.EncodeToString(c.ImageBytes)
			}
			if c.ImageURL != "" {
				view.ScreenshotURL = c.ImageURL
			}
		}
	}
	return view
}

func (sl *SamplingLoop) updateSessionAggregates(ctx context.Context, chatSessionID string, iterations int) {
	cs, err := sl.store.GetChatSession(ctx, chatSessionID)
	if err != nil {
		sl.logger.Warn("load chat session for aggregates", zap.Error(err))
		return
	}
	cs.TotalIterations += iterations
	cs.UpdatedAt = time.Now()
	if err := sl.store.UpdateChatSession(ctx, cs); err != nil {
		sl.logger.Warn("update chat session aggregates", zap.Error(err))
	}
}

func (sl *SamplingLoop) bestEffortDisconnect(ctx context.Context, remoteSessionID string) {
	if remoteSessionID == "" {
		return
	}
	if err := sl.sm.DisconnectCDP(ctx, remoteSessionID); err != nil {
		sl.logger.Debug("best-effort CDP disconnect", zap.Error(err))
	}
}

func (sl *SamplingLoop) startSpan(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	if sl.tracer == nil {
		return ctx, noopSpan{}
	}
	return sl.tracer.Start(ctx, name, attrs...)
}

type noopSpan struct{}

func (noopSpan) SetAttr(...SpanAttr)       {}
func (noopSpan) Event(string, ...SpanAttr) {}
func (noopSpan) Error(error)                {}
func (noopSpan) End()                       {}

func mapAgentStatus(s AgentStatus) TaskStatus {
	switch s {
	case AgentStatusCompleted:
		return TaskCompleted
	case AgentStatusFailed:
		return TaskFailed
	case AgentStatusNeedsClarification:
		return TaskPaused
	default:
		return TaskFailed
	}
}

func errorToolResult(toolUseID, message string) ContentBlock {
	return ContentBlock{
		Type:         BlockToolResult,
		ToolResultID: toolUseID,
		IsError:      true,
		Content:      []ResultContent{{Type: ResultContentText, Text: message}},
	}
}

func textOf(blocks []ContentBlock) string {
	for _, b := range blocks {
		if b.Type == BlockText {
			return b.Text
		}
	}
	return ""
}

func countToolUses(blocks []ContentBlock) int {
	n := 0
	for _, b := range blocks {
		if b.Type == BlockToolUse {
			n++
		}
	}
	return n
}

func countImages(messages []Message) int {
	n := 0
	for _, m := range messages {
		for _, b := range m.Blocks {
			if b.Type != BlockToolResult {
				continue
			}
			for _, c := range b.Content {
				if c.Type == ResultContentImage {
					n++
				}
			}
		}
	}
	return n
}
