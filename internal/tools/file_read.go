package tools

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/loomworks/loom/internal/metrics"
)

// FileReadConfig configures the sandboxed file reader.
type FileReadConfig struct {
	BaseDir       string `mapstructure:"base_dir"`
	AllowSymlinks bool   `mapstructure:"allow_symlinks"`
	MaxSizeBytes  int64  `mapstructure:"max_size_bytes"`
	MaxPathLength int    `mapstructure:"max_path_length"`
}

const (
	defaultMaxFileSize   = 10 * 1024 * 1024
	defaultMaxPathLength = 512
	maxInputLength       = 4096
	maxPathComponents    = 10
	maxSeparators        = 100
	singleReadThreshold  = 1 << 20 // 1 MiB
)

// windowsReservedNames are device names rejected as path components, with or
// without an extension, regardless of case.
var windowsReservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

// templateMarkers are injection sequences rejected anywhere in the input.
var templateMarkers = []string{
	"${", "#{", "%{", "$(", "`", "{{", "{%", "<%", "[%", "[[", "]]", "}}",
}

// encodedTraversalMarkers cover percent-encoded, double-encoded, escaped,
// and overlong-UTF-8 renditions of dot-dot traversal.
var encodedTraversalMarkers = []string{
	"%2e%2e", "%252e%252e", "\\u002e\\u002e", "\\x2e\\x2e",
	"%c0%ae", "%e0%80%ae", "..%2f", "..%5c",
}

// systemPathPrefixes are case-insensitive substrings of well-known system
// directories; any appearance rejects the input.
var systemPathPrefixes = []string{
	"/system32/", "/windows/", "/etc/", "/usr/", "/var/", "/bin/", "/sbin/",
}

var (
	driveLetterPattern = regexp.MustCompile(`^[A-Za-z]:`)
	uriSchemePattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*:(//|[A-Za-z0-9])`)
	multiDotPattern    = regexp.MustCompile(`\.{3,}`)
)

// FileReadTool reads a file confined to a base directory. The base
// directory's real path, resolved at construction, is the security boundary:
// no read ever touches a file whose resolved path falls outside it.
type FileReadTool struct {
	baseDir       string
	allowSymlinks bool
	maxFileSize   int64
	maxPathLength int
	logger        *zap.Logger
}

// NewFileReadTool resolves the base directory and constructs the tool. The
// base directory must exist; its symlink-resolved form becomes the boundary
// every candidate path is checked against.
func NewFileReadTool(cfg FileReadConfig, logger *zap.Logger) (*FileReadTool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("file read tool requires a base directory")
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory %s: %w", cfg.BaseDir, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory real path %s: %w", abs, err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat base directory %s: %w", real, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base path %s is not a directory", real)
	}

	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = defaultMaxFileSize
	}
	maxPathLen := cfg.MaxPathLength
	if maxPathLen <= 0 {
		maxPathLen = defaultMaxPathLength
	}
	return &FileReadTool{
		baseDir:       real,
		allowSymlinks: cfg.AllowSymlinks,
		maxFileSize:   maxSize,
		maxPathLength: maxPathLen,
		logger:        logger,
	}, nil
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Reads a UTF-8 text file from the configured sandbox directory. Input: a relative file path."
}

// Run validates the requested path and returns the file content. The
// validation pipeline fails closed at the first violation; nothing is
// resolved against the filesystem until the raw input has passed every
// pattern check.
func (t *FileReadTool) Run(ctx context.Context, input ExecutionInput) ExecutionResult {
	result := t.run(ctx, input)
	metrics.RecordToolExecution(t.Name(), result.Success)
	if !result.Success {
		t.logger.Warn("File read denied", zap.String("reason", result.Output))
	}
	return result
}

func (t *FileReadTool) run(ctx context.Context, input ExecutionInput) ExecutionResult {
	raw := input.Content

	if reason := t.validateInput(raw); reason != "" {
		return Failure(reason)
	}
	if reason := t.scanPatterns(raw); reason != "" {
		return Failure(reason)
	}
	if reason := t.validateStructure(raw); reason != "" {
		return Failure(reason)
	}

	resolved, reason := t.resolve(raw)
	if reason != "" {
		return Failure(reason)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Failure("File not found: " + raw)
		}
		return Failure("Cannot access file: " + raw)
	}
	if info.IsDir() {
		return Failure("Path is a directory, not a file: " + raw)
	}
	if info.Size() > t.maxFileSize {
		return Failure(fmt.Sprintf("File exceeds maximum size of %d bytes", t.maxFileSize))
	}

	content, err := t.readFile(ctx, resolved, info.Size())
	if err != nil {
		return Failure("Failed to read file: " + err.Error())
	}
	return ExecutionResult{
		Success: true,
		Output:  content,
		Metadata: map[string]any{
			"path":       raw,
			"size_bytes": info.Size(),
		},
	}
}

// validateInput covers the character-level checks on the raw input string.
func (t *FileReadTool) validateInput(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "Access denied: empty path"
	}
	if len(raw) > maxInputLength {
		return fmt.Sprintf("Access denied: path exceeds %d characters", maxInputLength)
	}
	for _, r := range raw {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return "Access denied: control character in path"
		}
	}
	if norm.NFC.String(raw) != raw {
		return "Access denied: path is not NFC-normalized"
	}
	return ""
}

// scanPatterns runs every pre-resolution rejection rule against the raw
// input. Order matters only for the error message; all rules are absolute.
func (t *FileReadTool) scanPatterns(raw string) string {
	lower := strings.ToLower(raw)

	if hasDotDotComponent(raw) {
		return "Access denied: path traversal detected"
	}
	if strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "\\") || driveLetterPattern.MatchString(raw) {
		return "Access denied: absolute paths are not allowed"
	}
	if strings.HasPrefix(raw, `\\`) {
		return "Access denied: UNC paths are not allowed"
	}
	if uriSchemePattern.MatchString(raw) {
		return "Access denied: URI schemes are not allowed"
	}
	for _, component := range splitComponents(raw) {
		base := strings.ToUpper(component)
		if dot := strings.IndexByte(base, '.'); dot >= 0 {
			base = base[:dot]
		}
		if _, reserved := windowsReservedNames[base]; reserved {
			return "Access denied: reserved device name in path"
		}
	}
	if strings.ContainsAny(raw, `<>:"|?*`) {
		return "Access denied: forbidden character in path"
	}
	for _, b := range []byte(raw) {
		if b <= 0x1F || (b >= 0x7F && b <= 0x9F) {
			return "Access denied: forbidden byte in path"
		}
	}
	for _, marker := range templateMarkers {
		if strings.Contains(raw, marker) {
			return "Access denied: template injection marker in path"
		}
	}
	for _, marker := range encodedTraversalMarkers {
		if strings.Contains(lower, marker) {
			return "Access denied: encoded traversal sequence in path"
		}
	}
	if multiDotPattern.MatchString(raw) {
		return "Access denied: suspicious dot sequence in path"
	}
	for _, r := range raw {
		if isDisallowedInvisible(r) {
			return "Access denied: invisible or bidi control character in path"
		}
	}
	if strings.ContainsRune(raw, '/') && strings.ContainsRune(raw, '\\') {
		return "Access denied: mixed path separators"
	}
	for _, prefix := range systemPathPrefixes {
		if strings.Contains(lower, prefix) {
			return "Access denied: system path reference"
		}
	}
	return ""
}

func (t *FileReadTool) validateStructure(raw string) string {
	if len(raw) > t.maxPathLength {
		return fmt.Sprintf("Access denied: path exceeds maximum length of %d", t.maxPathLength)
	}
	if len(splitComponents(raw)) > maxPathComponents {
		return fmt.Sprintf("Access denied: path exceeds %d components", maxPathComponents)
	}
	separators := strings.Count(raw, "/") + strings.Count(raw, "\\")
	if separators > maxSeparators {
		return fmt.Sprintf("Access denied: path exceeds %d separators", maxSeparators)
	}
	return ""
}

// resolve joins the input against the base directory and confirms the real
// path stays inside the boundary. Symlinks are followed for the prefix
// check; symlinked inputs themselves are rejected unless allowed.
func (t *FileReadTool) resolve(raw string) (string, string) {
	joined := filepath.Join(t.baseDir, filepath.FromSlash(raw))

	if !t.allowSymlinks {
		if info, err := os.Lstat(joined); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return "", "Access denied: symlinks are not allowed"
		}
	}

	real, err := filepath.EvalSymlinks(joined)
	if err != nil {
		if os.IsNotExist(err) {
			// Defer the not-found report to the existence check so the
			// caller sees a consistent message.
			real = joined
		} else {
			return "", "Access denied: cannot resolve path"
		}
	}
	if real != t.baseDir && !strings.HasPrefix(real, t.baseDir+string(os.PathSeparator)) {
		return "", "Access denied: path escapes base directory"
	}
	return real, ""
}

// readFile reads small files in one call and larger files in a loop with a
// size-dependent buffer and a running length guard.
func (t *FileReadTool) readFile(ctx context.Context, path string, size int64) (string, error) {
	if size < singleReadThreshold {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, chunkSizeFor(size))
	var out strings.Builder
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := f.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > t.maxFileSize {
				return "", fmt.Errorf("file grew past maximum size of %d bytes during read", t.maxFileSize)
			}
			out.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return out.String(), nil
}

// chunkSizeFor picks the read buffer size from the file size.
func chunkSizeFor(size int64) int {
	switch {
	case size < 2<<20:
		return 1 << 10
	case size < 8<<20:
		return 4 << 10
	case size < 32<<20:
		return 8 << 10
	default:
		return 16 << 10
	}
}

// hasDotDotComponent reports whether ".." appears as a path component or
// adjacent to a separator, under either separator convention.
func hasDotDotComponent(raw string) bool {
	for _, component := range splitComponents(raw) {
		if component == ".." {
			return true
		}
	}
	return strings.Contains(raw, "../") || strings.Contains(raw, "..\\") ||
		strings.Contains(raw, "/..") || strings.Contains(raw, "\\..")
}

// splitComponents splits on both separator conventions, dropping empties.
func splitComponents(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	return parts
}

// isDisallowedInvisible reports zero-width, word-joiner, BOM, bidi override
// and isolate code points, and any Format or Control category code point
// beyond the ASCII whitespace already permitted.
func isDisallowedInvisible(r rune) bool {
	switch {
	case r >= 0x200B && r <= 0x200D:
		return true
	case r == 0xFEFF || r == 0x2060:
		return true
	case r >= 0x202D && r <= 0x202E:
		return true
	case r >= 0x2066 && r <= 0x2069:
		return true
	}
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.Is(unicode.Cf, r) || unicode.Is(unicode.Cc, r)
}
