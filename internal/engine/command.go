package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/streamscribe/streamscribe/internal/config"
)

// DecodeParams are per-request decoding knobs. Streaming uses narrow, fast
// settings; the batch fallback widens the beam and candidate count for
// accuracy.
type DecodeParams struct {
	Threads     int
	BeamSize    int
	BestOf      int
	Temperature float64
}

// Command builds engine invocations from configuration.
type Command struct {
	argv      []string
	modelPath string
	language  string
	streaming DecodeParams
	batch     DecodeParams
}

// NewCommand parses the configured engine command line.
func NewCommand(cfg config.EngineConfig) (*Command, error) {
	parser := shellwords.NewParser()
	argv, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &Command{
		argv:      argv,
		modelPath: cfg.ModelPath,
		language:  cfg.Language,
		streaming: DecodeParams{
			Threads:     cfg.Threads,
			BeamSize:    cfg.BeamSize,
			BestOf:      cfg.BestOf,
			Temperature: cfg.Temperature,
		},
		batch: DecodeParams{
			Threads:     cfg.Threads,
			BeamSize:    cfg.BatchBeamSize,
			BestOf:      cfg.BatchBestOf,
			Temperature: cfg.BatchTemperature,
		},
	}, nil
}

// Params returns the decode parameters for the given request mode.
func (c *Command) Params(batch bool) DecodeParams {
	if batch {
		return c.batch
	}
	return c.streaming
}

// Args assembles the argv for one invocation against an audio file.
func (c *Command) Args(audioPath string, p DecodeParams) (string, []string) {
	args := append([]string{}, c.argv[1:]...)
	if c.modelPath != "" {
		args = append(args, "-m", c.modelPath)
	}
	args = append(args, "-f", audioPath)
	if c.language != "" {
		args = append(args, "-l", c.language)
	}
	args = append(args,
		"-t", strconv.Itoa(p.Threads),
		"-bs", strconv.Itoa(p.BeamSize),
		"-bo", strconv.Itoa(p.BestOf),
		"--temperature", strconv.FormatFloat(p.Temperature, 'f', 2, 64),
	)
	return c.argv[0], args
}

type jsonOutput struct {
	Text     string `json:"text"`
	Segments []struct {
		Text       string   `json:"text"`
		StartMS    int64    `json:"start_ms"`
		EndMS      int64    `json:"end_ms"`
		Confidence *float64 `json:"confidence"`
	} `json:"segments"`
}

var segmentLine = regexp.MustCompile(`^\[(\d{2}):(\d{2}):(\d{2})\.(\d{3}) --> (\d{2}):(\d{2}):(\d{2})\.(\d{3})\]\s*(.*)$`)

// diagnosticPrefixes are known noise lines the engine mixes into stdout.
var diagnosticPrefixes = []string{
	"whisper_",
	"ggml_",
	"main:",
	"system_info",
	"error:",
	"warning:",
	"log_",
}

// ParseOutput turns raw engine stdout into a Result. JSON-emitting engines
// are handled first; otherwise diagnostic lines are stripped and timestamped
// transcript lines are collected.
func ParseOutput(stdout string) Result {
	trimmed := strings.TrimSpace(stdout)
	if strings.HasPrefix(trimmed, "{") {
		var out jsonOutput
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			result := Result{Text: strings.TrimSpace(out.Text)}
			for _, s := range out.Segments {
				seg := Segment{
					Text:    strings.TrimSpace(s.Text),
					StartMS: s.StartMS,
					EndMS:   s.EndMS,
				}
				if s.Confidence != nil {
					seg.Confidence = *s.Confidence
					seg.HasConfidence = true
				}
				result.Segments = append(result.Segments, seg)
			}
			if n := len(result.Segments); n > 0 {
				if result.Text == "" {
					result.Text = joinSegments(result.Segments)
				}
				result.DurationMS = result.Segments[n-1].EndMS
			}
			return result
		}
	}

	var result Result
	var plain []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "[BLANK_AUDIO]" || isDiagnostic(line) {
			continue
		}
		if m := segmentLine.FindStringSubmatch(line); m != nil {
			text := strings.TrimSpace(m[9])
			if text == "" || text == "[BLANK_AUDIO]" {
				continue
			}
			result.Segments = append(result.Segments, Segment{
				Text:    text,
				StartMS: timestampMS(m[1], m[2], m[3], m[4]),
				EndMS:   timestampMS(m[5], m[6], m[7], m[8]),
			})
			continue
		}
		plain = append(plain, line)
	}

	if n := len(result.Segments); n > 0 {
		result.Text = joinSegments(result.Segments)
		result.DurationMS = result.Segments[n-1].EndMS
	} else {
		result.Text = strings.Join(plain, " ")
	}
	return result
}

func isDiagnostic(line string) bool {
	for _, prefix := range diagnosticPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func joinSegments(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}

func timestampMS(h, m, s, ms string) int64 {
	hh, _ := strconv.ParseInt(h, 10, 64)
	mm, _ := strconv.ParseInt(m, 10, 64)
	ss, _ := strconv.ParseInt(s, 10, 64)
	mss, _ := strconv.ParseInt(ms, 10, 64)
	return ((hh*60+mm)*60+ss)*1000 + mss
}
