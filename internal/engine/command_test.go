package engine

import (
	"strings"
	"testing"

	"github.com/streamscribe/streamscribe/internal/config"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		Command:          "whisper-cli --no-prints",
		ModelPath:        "/models/ggml-base.en.bin",
		Language:         "en",
		Threads:          4,
		BeamSize:         1,
		BestOf:           1,
		Temperature:      0.0,
		BatchBeamSize:    5,
		BatchBestOf:      5,
		BatchTemperature: 0.0,
	}
}

func TestCommandArgs(t *testing.T) {
	cmd, err := NewCommand(testEngineConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	name, args := cmd.Args("/tmp/audio.wav", cmd.Params(false))
	if name != "whisper-cli" {
		t.Fatalf("expected binary name, got %q", name)
	}
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--no-prints",
		"-m /models/ggml-base.en.bin",
		"-f /tmp/audio.wav",
		"-l en",
		"-t 4",
		"-bs 1",
		"-bo 1",
		"--temperature 0.00",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected args to contain %q, got %q", want, joined)
		}
	}
}

func TestCommandBatchParams(t *testing.T) {
	cmd, err := NewCommand(testEngineConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, args := cmd.Args("/tmp/audio.wav", cmd.Params(true))
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-bs 5") || !strings.Contains(joined, "-bo 5") {
		t.Fatalf("batch mode must widen beam and candidates, got %q", joined)
	}
}

func TestNewCommandRejectsEmpty(t *testing.T) {
	if _, err := NewCommand(config.EngineConfig{Command: "   "}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestParseOutputJSON(t *testing.T) {
	stdout := `{"text":"hello world","segments":[
		{"text":"hello","start_ms":0,"end_ms":400,"confidence":0.9},
		{"text":"world","start_ms":400,"end_ms":900,"confidence":0.7}]}`

	result := ParseOutput(stdout)
	if result.Text != "hello world" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
	if len(result.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(result.Segments))
	}
	if result.DurationMS != 900 {
		t.Fatalf("expected duration from last segment end, got %d", result.DurationMS)
	}
	mean, ok := result.MeanConfidence()
	if !ok {
		t.Fatalf("expected confidence to be present")
	}
	if mean < 0.79 || mean > 0.81 {
		t.Fatalf("expected mean confidence 0.8, got %f", mean)
	}
}

func TestParseOutputFiltersDiagnostics(t *testing.T) {
	stdout := strings.Join([]string{
		"whisper_init_from_file_with_params_no_state: loading model",
		"system_info: n_threads = 4",
		"main: processing audio",
		"ggml_metal_init: found device",
		"",
		"[00:00:00.000 --> 00:00:00.750]  the quick brown fox",
		"[00:00:00.750 --> 00:00:01.500]  jumps over the lazy dog",
		"[BLANK_AUDIO]",
	}, "\n")

	result := ParseOutput(stdout)
	if result.Text != "the quick brown fox jumps over the lazy dog" {
		t.Fatalf("unexpected text: %q", result.Text)
	}
	if len(result.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(result.Segments))
	}
	if result.Segments[0].StartMS != 0 || result.Segments[0].EndMS != 750 {
		t.Fatalf("unexpected segment bounds: %+v", result.Segments[0])
	}
	if result.Segments[1].StartMS != 750 || result.Segments[1].EndMS != 1500 {
		t.Fatalf("unexpected segment bounds: %+v", result.Segments[1])
	}
	if result.DurationMS != 1500 {
		t.Fatalf("expected duration from last segment end, got %d", result.DurationMS)
	}
	if _, ok := result.MeanConfidence(); ok {
		t.Fatalf("plain-text segments carry no confidence")
	}
}

func TestParseOutputOnlyDiagnostics(t *testing.T) {
	result := ParseOutput("whisper_print_timings: total time\n[BLANK_AUDIO]\n")
	if result.Text != "" || len(result.Segments) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestMeanConfidenceNilResult(t *testing.T) {
	var r *Result
	if _, ok := r.MeanConfidence(); ok {
		t.Fatalf("nil result must report no confidence")
	}
}
