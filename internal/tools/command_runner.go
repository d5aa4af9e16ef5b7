package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
)

// CommandRunnerConfig configures the whitelisted command runner.
type CommandRunnerConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	AllowedCommands []string      `mapstructure:"allowed_commands"`
}

const (
	defaultCommandTimeout = 30 * time.Second
	maxCommandLength      = 8192
	maxTokenCount         = 100
	maxTokenLength        = 2048
)

// blockedCommands is the always-on blocklist, enforced even when a
// whitelist is configured.
var blockedCommands = map[string]struct{}{
	"rm": {}, "del": {}, "format": {}, "fdisk": {}, "mkfs": {}, "dd": {},
	"shutdown": {}, "reboot": {}, "halt": {}, "poweroff": {},
	"su": {}, "sudo": {}, "runas": {}, "net": {}, "sc": {}, "service": {},
	"kill": {}, "killall": {}, "taskkill": {}, "wmic": {},
}

// CommandRunnerTool executes a single command via direct process spawn. The
// input is tokenized with a POSIX-style lexer (double-quoted, single-quoted,
// and bare tokens); no shell is ever invoked, so no token is subject to
// expansion, substitution, or redirection.
type CommandRunnerTool struct {
	timeout   time.Duration
	whitelist map[string]struct{}
	logger    *zap.Logger
}

// NewCommandRunnerTool constructs the runner. An empty whitelist allows any
// executable not on the built-in blocklist.
func NewCommandRunnerTool(cfg CommandRunnerConfig, logger *zap.Logger) *CommandRunnerTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	var whitelist map[string]struct{}
	if len(cfg.AllowedCommands) > 0 {
		whitelist = make(map[string]struct{}, len(cfg.AllowedCommands))
		for _, cmd := range cfg.AllowedCommands {
			whitelist[cmd] = struct{}{}
		}
	}
	return &CommandRunnerTool{timeout: timeout, whitelist: whitelist, logger: logger}
}

func (t *CommandRunnerTool) Name() string { return "command_runner" }

func (t *CommandRunnerTool) Description() string {
	return "Runs a whitelisted command with literal arguments and returns its exit code and combined output. No shell features are available."
}

func (t *CommandRunnerTool) Run(ctx context.Context, input ExecutionInput) ExecutionResult {
	result := t.run(ctx, input)
	metrics.RecordToolExecution(t.Name(), result.Success)
	return result
}

func (t *CommandRunnerTool) run(ctx context.Context, input ExecutionInput) ExecutionResult {
	command := strings.TrimSpace(input.Content)

	tokens, reason := t.validate(command)
	if reason != "" {
		return Failure(reason)
	}
	executable, args := tokens[0], tokens[1:]

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, executable, args...)
	// Stderr merged into stdout; callers see one combined transcript.
	combined, err := cmd.CombinedOutput()

	if runCtx.Err() == context.DeadlineExceeded {
		t.logger.Warn("Command timed out",
			zap.String("executable", executable),
			zap.Duration("timeout", t.timeout),
		)
		return Failure(fmt.Sprintf("Command timed out after %ds", int(t.timeout.Seconds())))
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return Failure("Failed to start command: " + err.Error())
		}
	}

	t.logger.Debug("Command executed",
		zap.String("executable", executable),
		zap.Int("exit_code", exitCode),
	)
	return ExecutionResult{
		Success: exitCode == 0,
		Output:  fmt.Sprintf("ExitCode=%d\n%s", exitCode, string(combined)),
		Metadata: map[string]any{
			"exit_code": exitCode,
			"command":   command,
		},
	}
}

// validate tokenizes the command and applies every rejection rule, returning
// the tokens on success. Whitelist rejection fires before the blocklist so a
// configured whitelist always reports its own message.
func (t *CommandRunnerTool) validate(command string) ([]string, string) {
	if command == "" {
		return nil, "Empty command"
	}
	if len(command) > maxCommandLength {
		return nil, fmt.Sprintf("Command exceeds %d characters", maxCommandLength)
	}

	tokens, err := shlex.Split(command)
	if err != nil {
		return nil, "Cannot parse command: " + err.Error()
	}
	if len(tokens) == 0 {
		return nil, "Empty command"
	}
	if len(tokens) > maxTokenCount {
		return nil, fmt.Sprintf("Command exceeds %d tokens", maxTokenCount)
	}
	for _, token := range tokens {
		if len(token) > maxTokenLength {
			return nil, fmt.Sprintf("Token exceeds %d characters", maxTokenLength)
		}
		if strings.ContainsAny(token, "\x00\n\r") {
			return nil, "Forbidden character in command token"
		}
	}

	executable := tokens[0]
	if strings.Contains(executable, "..") {
		return nil, "Path traversal in executable"
	}
	if t.whitelist != nil {
		if _, allowed := t.whitelist[executable]; !allowed {
			return nil, "Dangerous command blocked: " + executable
		}
	}
	base := executable
	if idx := strings.LastIndexAny(base, "/\\"); idx >= 0 {
		base = base[idx+1:]
	}
	if _, blocked := blockedCommands[strings.ToLower(strings.TrimSuffix(base, ".exe"))]; blocked {
		return nil, "Dangerous command blocked: " + executable
	}
	return tokens, ""
}
