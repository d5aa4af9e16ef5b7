package tools

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
)

// TTSConfig configures the text-to-speech tool.
type TTSConfig struct {
	OutputDir string `mapstructure:"output_dir"`
}

const (
	ttsSampleRate  = 22050
	ttsMinDuration = 1 * time.Second
	ttsMaxDuration = 10 * time.Second
	ttsMinFreqHz   = 200
	ttsMaxFreqHz   = 800
)

// ttsEngines is the discovery order for external synthesizers.
var ttsEngines = []string{"espeak-ng", "espeak", "festival", "say"}

// TTSTool synthesizes speech to a WAV file. It discovers one external
// engine per process and caches the result; with no engine available it
// falls back to a sine tone derived from the input text so the output file
// always exists.
type TTSTool struct {
	outputDir string
	logger    *zap.Logger

	discoverOnce sync.Once
	engine       string

	counter atomic.Uint64
}

// NewTTSTool constructs the tool, creating the output directory if needed.
func NewTTSTool(cfg TTSConfig, logger *zap.Logger) (*TTSTool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := cfg.OutputDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio output directory %s: %w", dir, err)
	}
	return &TTSTool{outputDir: dir, logger: logger}, nil
}

func (t *TTSTool) Name() string { return "text_to_speech" }

func (t *TTSTool) Description() string {
	return "Synthesizes the input text to a WAV audio file and returns the file path."
}

func (t *TTSTool) Run(ctx context.Context, input ExecutionInput) ExecutionResult {
	result := t.run(ctx, input)
	metrics.RecordToolExecution(t.Name(), result.Success)
	return result
}

func (t *TTSTool) run(ctx context.Context, input ExecutionInput) ExecutionResult {
	text := input.Content
	if text == "" {
		return Failure("Empty text")
	}

	outPath := t.nextOutputPath()
	engine := t.discoverEngine()

	if engine != "" {
		if err := t.synthesizeExternal(ctx, engine, text, outPath); err == nil {
			return ExecutionResult{
				Success: true,
				Output:  outPath,
				Metadata: map[string]any{
					"engine": engine,
					"path":   outPath,
				},
			}
		} else {
			t.logger.Warn("External synthesizer failed, falling back to tone",
				zap.String("engine", engine),
				zap.Error(err),
			)
		}
	}

	if err := t.synthesizeTone(text, outPath); err != nil {
		return Failure("Failed to synthesize audio: " + err.Error())
	}
	return ExecutionResult{
		Success: true,
		Output:  outPath,
		Metadata: map[string]any{
			"engine": "tone",
			"path":   outPath,
		},
	}
}

// nextOutputPath builds a unique file name from an atomic counter and a
// millisecond timestamp.
func (t *TTSTool) nextOutputPath() string {
	n := t.counter.Add(1)
	return filepath.Join(t.outputDir, fmt.Sprintf("tts_%d_%d.wav", n, time.Now().UnixMilli()))
}

// discoverEngine probes the engine list once per process.
func (t *TTSTool) discoverEngine() string {
	t.discoverOnce.Do(func() {
		for _, candidate := range ttsEngines {
			if _, err := exec.LookPath(candidate); err == nil {
				t.engine = candidate
				t.logger.Info("TTS engine discovered", zap.String("engine", candidate))
				return
			}
		}
		t.logger.Info("No TTS engine found, sine-tone fallback active")
	})
	return t.engine
}

func (t *TTSTool) synthesizeExternal(ctx context.Context, engine, text, outPath string) error {
	var cmd *exec.Cmd
	switch engine {
	case "espeak-ng", "espeak":
		cmd = exec.CommandContext(ctx, engine, "-w", outPath, text)
	case "festival":
		// festival's text2wave reads the text from a file, which avoids
		// any quoting concerns.
		tmp, err := os.CreateTemp(t.outputDir, "tts_input_*.txt")
		if err != nil {
			return err
		}
		defer os.Remove(tmp.Name())
		if _, err := tmp.WriteString(text); err != nil {
			tmp.Close()
			return err
		}
		tmp.Close()
		cmd = exec.CommandContext(ctx, "text2wave", tmp.Name(), "-o", outPath)
	case "say":
		cmd = exec.CommandContext(ctx, "say", "-o", outPath, "--data-format=LEI16@22050", text)
	default:
		return fmt.Errorf("unknown engine %s", engine)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w (%s)", engine, err, string(out))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("%s produced no output file", engine)
	}
	return nil
}

// synthesizeTone writes a PCM16 mono sine wave whose frequency derives from
// a hash of the text and whose duration grows with text length.
func (t *TTSTool) synthesizeTone(text, outPath string) error {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	freq := float64(ttsMinFreqHz + h.Sum32()%(ttsMaxFreqHz-ttsMinFreqHz))

	duration := time.Duration(len(text)) * 50 * time.Millisecond
	if duration < ttsMinDuration {
		duration = ttsMinDuration
	}
	if duration > ttsMaxDuration {
		duration = ttsMaxDuration
	}

	samples := int(float64(ttsSampleRate) * duration.Seconds())
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := math.Sin(2 * math.Pi * freq * float64(i) / ttsSampleRate)
		sample := int16(v * 0.4 * math.MaxInt16)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(sample))
	}
	return writeWAV(outPath, pcm)
}

// writeWAV writes a PCM16 mono WAV file with a hand-written 44-byte
// little-endian header.
func writeWAV(path string, pcm []byte) error {
	header := make([]byte, 44)
	dataLen := uint32(len(pcm))
	byteRate := uint32(ttsSampleRate * 2) // mono, 16-bit

	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataLen)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16) // PCM chunk size
	binary.LittleEndian.PutUint16(header[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(header[22:24], 1)  // mono
	binary.LittleEndian.PutUint32(header[24:28], ttsSampleRate)
	binary.LittleEndian.PutUint32(header[28:32], byteRate)
	binary.LittleEndian.PutUint16(header[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(header[34:36], 16) // bits per sample
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataLen)

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(header); err != nil {
		return err
	}
	_, err = f.Write(pcm)
	return err
}
