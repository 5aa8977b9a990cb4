package engine

import (
	"strings"

	"github.com/scalytics/connectd/internal/events"
)

// ProgressMark is a launch milestone recognized in the engine log stream.
type ProgressMark struct {
	Pct  int
	Step string
}

// Classification is the result of classifying one log line.
type Classification struct {
	Level    events.DebugLevel
	Progress *ProgressMark // non-nil when the line is a milestone
}

// progressMatcher maps a log substring to its milestone. Matchers are
// checked in order; the first hit wins.
type progressMatcher struct {
	substr string
	mark   ProgressMark
}

var progressMatchers = []progressMatcher{
	{"Automatically detected platform", ProgressMark{15, "platform_detection"}},
	{"Loading safetensors checkpoint shards", ProgressMark{25, "loading_weights"}},
	{"Loading weights took", ProgressMark{40, "weights_loaded"}},
	{"init engine", ProgressMark{60, "engine_init"}},
	{"profile, create kv cache, warmup model", ProgressMark{60, "engine_init"}},
	{"Maximum concurrency", ProgressMark{75, "engine_ready"}},
	{"Starting vLLM API server", ProgressMark{80, "server_start"}},
	{"Available routes are:", ProgressMark{90, "routes_ready"}},
}

// perfMarkers identify engine performance telemetry lines.
var perfMarkers = []string{
	"Maximum concurrency",
	"# cpu blocks",
	"# GPU blocks",
	"GPU memory utilization",
	"blocks:",
}

// ClassifyLine classifies a single engine log line. stderrSource is true
// for lines read from the subprocess's stderr, which the engine uses for
// most of its chatter; unrecognized stderr is surfaced as WARNING while
// unrecognized stdout stays INFO.
func ClassifyLine(line string, stderrSource bool) Classification {
	var progress *ProgressMark
	for _, m := range progressMatchers {
		if strings.Contains(line, m.substr) {
			mark := m.mark
			progress = &mark
			break
		}
	}

	level := classifyLevel(line, stderrSource, progress != nil)
	return Classification{Level: level, Progress: progress}
}

func classifyLevel(line string, stderrSource, isLoaderProgress bool) events.DebugLevel {
	if containsAny(line, "ERROR", "FAILED", "FATAL") {
		return events.DebugError
	}
	if containsAny(line, "WARNING", "WARN") {
		return events.DebugWarning
	}
	if containsAny(line, perfMarkers...) {
		return events.DebugPerf
	}
	if stderrSource {
		if isLoaderProgress {
			return events.DebugInfo
		}
		return events.DebugWarning
	}
	return events.DebugInfo
}

func containsAny(line string, substrs ...string) bool {
	for _, s := range substrs {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}
