// Package agent implements the sub-agent that executes a single task: it
// assembles conversational context from durable memory, calls the LLM, runs
// any tools the model requests (subject to policy), and records the exchange
// back into memory.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/approval"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tools"
	"github.com/loomworks/loom/internal/tracing"
)

const (
	defaultMemoryLimit  = 50
	defaultToolIterCap  = 5
	approvalWaitDefault = 10 * time.Minute
)

const defaultSystemPrompt = "You are a capable assistant executing one task of a larger workflow. " +
	"Use the available tools when they help, and answer with the task result only."

// Config assembles a SubAgent. Store, LLM, and Name are required; the rest
// default sensibly.
type Config struct {
	// Name keys the agent's memory rows.
	Name string
	// SystemPrompt overrides the default system prompt.
	SystemPrompt string
	// MemoryLimit is how many recent memory entries are loaded for context.
	MemoryLimit int
	// ToolIterations caps tool-use round trips before the loop degrades to a
	// final completion without tools.
	ToolIterations int
	// MaxTokens / Temperature are passed through to the LLM.
	MaxTokens   int
	Temperature float32
	// ApprovalTimeout bounds waits on the approval gate.
	ApprovalTimeout time.Duration
}

// SubAgent executes task prompts. The zero value is not usable; construct
// with New.
type SubAgent struct {
	cfg       Config
	client    llm.Client
	registry  *tools.Registry
	store     *store.Store
	policies  *policy.Engine
	approvals approval.Handler
	logger    *zap.Logger
}

// New builds a SubAgent. registry, policies, and approvals may be nil: a nil
// registry advertises no tools, a nil policy engine allows every tool, and a
// nil approval handler skips the approval obligation.
func New(cfg Config, client llm.Client, registry *tools.Registry, st *store.Store,
	policies *policy.Engine, approvals approval.Handler, logger *zap.Logger) *SubAgent {
	if cfg.Name == "" {
		cfg.Name = "agent"
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = defaultMemoryLimit
	}
	if cfg.ToolIterations <= 0 {
		cfg.ToolIterations = defaultToolIterCap
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = approvalWaitDefault
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubAgent{
		cfg:       cfg,
		client:    client,
		registry:  registry,
		store:     st,
		policies:  policies,
		approvals: approvals,
		logger:    logger.With(zap.String("agent", cfg.Name)),
	}
}

func (a *SubAgent) Name() string { return a.cfg.Name }

// Execute runs one task prompt to completion. LLM failures produce a failed
// result; tool failures stay in-band as observations for the model.
func (a *SubAgent) Execute(ctx context.Context, input tools.ExecutionInput) tools.ExecutionResult {
	workflowID, _ := input.Metadata["workflow_id"].(string)

	messages := []llm.Message{llm.SystemMessage(a.cfg.SystemPrompt)}
	if memory := a.loadMemory(ctx); memory != "" {
		messages = append(messages, llm.SystemMessage("Recent context from earlier work:\n"+memory))
	}
	messages = append(messages, llm.UserMessage(input.Content))

	specs := a.toolSpecs()
	req := llm.Request{
		WorkflowID:  workflowID,
		Messages:    messages,
		Tools:       specs,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	}

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		a.logger.Error("llm call failed", zap.String("workflow_id", workflowID), zap.Error(err))
		return tools.Failure(fmt.Sprintf("LLM call failed: %v", err))
	}

	for iter := 0; len(resp.ToolCalls) > 0; iter++ {
		if iter >= a.cfg.ToolIterations {
			// Cap reached: ask for a final answer with tools withdrawn.
			a.logger.Warn("tool iteration cap reached",
				zap.String("workflow_id", workflowID),
				zap.Int("cap", a.cfg.ToolIterations))
			req.Messages = append(req.Messages,
				llm.AssistantMessage(resp.Text, resp.ToolCalls...))
			for _, call := range resp.ToolCalls {
				req.Messages = append(req.Messages,
					llm.ToolResultMessage(call.ID, "Tool budget exhausted; answer with what you have."))
			}
			req.Tools = nil
			resp, err = a.client.Complete(ctx, req)
			if err != nil {
				return tools.Failure(fmt.Sprintf("LLM call failed: %v", err))
			}
			break
		}

		req.Messages = append(req.Messages, llm.AssistantMessage(resp.Text, resp.ToolCalls...))
		for _, call := range resp.ToolCalls {
			observation := a.runTool(ctx, workflowID, call)
			req.Messages = append(req.Messages, llm.ToolResultMessage(call.ID, observation))
		}

		resp, err = a.client.Complete(ctx, req)
		if err != nil {
			return tools.Failure(fmt.Sprintf("LLM call failed: %v", err))
		}
	}

	a.remember(ctx, input.Content, resp.Text)
	return tools.ExecutionResult{
		Success: true,
		Output:  resp.Text,
		Metadata: map[string]any{
			"agent":       a.cfg.Name,
			"stop_reason": resp.StopReason,
			"tokens_used": resp.Usage.TotalTokens,
		},
	}
}

// runTool resolves and executes one tool call, returning the observation
// text fed back to the model. Every failure mode is in-band.
func (a *SubAgent) runTool(ctx context.Context, workflowID string, call llm.ToolCall) string {
	if a.registry == nil {
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}
	tool, ok := a.registry.Get(call.Name)
	if !ok {
		a.logger.Warn("model requested unknown tool", zap.String("tool", call.Name))
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}

	args := decodeArgs(call.Arguments)
	if verdict := a.authorize(ctx, workflowID, call.Name, args); verdict != "" {
		return verdict
	}

	ctx, span := tracing.StartToolSpan(ctx, call.Name)
	defer span.End()

	input := tools.ExecutionInput{Metadata: args}
	if content, ok := args["input"].(string); ok {
		input.Content = content
	} else if len(args) == 0 {
		input.Content = call.Arguments
	} else if content, ok := singleStringArg(args); ok {
		input.Content = content
	}

	result := tool.Run(ctx, input)
	if !result.Success {
		a.logger.Debug("tool reported failure",
			zap.String("tool", call.Name),
			zap.String("error", result.Output))
		return fmt.Sprintf("Error: %s", result.Output)
	}
	return result.Output
}

// authorize applies the policy engine and, when demanded, the approval gate.
// A non-empty return is the in-band denial text.
func (a *SubAgent) authorize(ctx context.Context, workflowID, toolName string, args map[string]any) string {
	if a.policies == nil {
		return ""
	}
	decision := a.policies.EvaluateTool(ctx, policy.ToolInput{
		WorkflowID: workflowID,
		AgentName:  a.cfg.Name,
		Tool:       toolName,
		Args:       args,
	})
	if !decision.Allow {
		a.logger.Warn("tool call denied by policy",
			zap.String("tool", toolName),
			zap.String("reason", decision.Reason))
		return fmt.Sprintf("Error: tool %q blocked by policy: %s", toolName, decision.Reason)
	}
	if decision.RequireApproval && a.approvals != nil {
		resp, err := a.approvals.RequestApproval(ctx, approval.Request{
			WorkflowID:  workflowID,
			TaskName:    toolName,
			Description: fmt.Sprintf("agent %s wants to run tool %s", a.cfg.Name, toolName),
		}, a.cfg.ApprovalTimeout)
		if err != nil {
			return fmt.Sprintf("Error: tool %q approval failed: %v", toolName, err)
		}
		if resp.Status != approval.StatusApproved {
			return fmt.Sprintf("Error: tool %q not approved: %s", toolName, resp.Feedback)
		}
	}
	return ""
}

// loadMemory renders the agent's recent memory as context. Best effort:
// storage trouble here never fails the task.
func (a *SubAgent) loadMemory(ctx context.Context) string {
	if a.store == nil {
		return ""
	}
	entries, err := a.store.LoadMemory(ctx, a.cfg.Name, a.cfg.MemoryLimit)
	if err != nil {
		a.logger.Warn("loading agent memory failed", zap.Error(err))
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	out := ""
	for _, e := range entries {
		if out != "" {
			out += "\n"
		}
		out += e.Content
	}
	return out
}

// remember appends the final exchange as two memory rows. Best effort.
func (a *SubAgent) remember(ctx context.Context, userContent, assistantContent string) {
	if a.store == nil {
		return
	}
	for _, content := range []string{"user: " + userContent, "assistant: " + assistantContent} {
		if err := a.store.AddMemory(ctx, a.cfg.Name, content); err != nil {
			a.logger.Warn("appending agent memory failed", zap.Error(err))
			return
		}
	}
}

func (a *SubAgent) toolSpecs() []llm.ToolSpec {
	if a.registry == nil {
		return nil
	}
	all := a.registry.All()
	specs := make([]llm.ToolSpec, 0, len(all))
	for _, t := range all {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"input": map[string]any{
						"type":        "string",
						"description": "Tool input",
					},
				},
				"required": []string{"input"},
			},
		})
	}
	return specs
}

func decodeArgs(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	return args
}

// singleStringArg treats a one-key object with a string value as the tool's
// content, so models that name the argument "path" or "query" still work.
func singleStringArg(args map[string]any) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	for _, v := range args {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}
