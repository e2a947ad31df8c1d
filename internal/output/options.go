package output

import (
	"regexp"
	"strings"
	"time"
)

// ShowTime selects which sinks get a time-of-day prefix on new lines.
type ShowTime int

const (
	TimeNone ShowTime = iota
	TimeProcess
	TimeGlobal
	TimeAll
)

// ParseShowTime maps the outputShowTime setting; unknown values disable the prefix.
func ParseShowTime(s string) ShowTime {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "process":
		return TimeProcess
	case "global":
		return TimeGlobal
	case "all":
		return TimeAll
	default:
		return TimeNone
	}
}

func (t ShowTime) perRun() bool { return t == TimeProcess || t == TimeAll }
func (t ShowTime) global() bool { return t == TimeGlobal || t == TimeAll }

// ProcessIDMode controls the run-id prefix on the global sink.
type ProcessIDMode int

const (
	IDNone  ProcessIDMode = iota
	IDMulti               // only while more than one run is alive
	IDAlways
)

// ParseProcessIDMode maps multiOutputShowProcessId: None, Multi, anything else means always.
func ParseProcessIDMode(s string) ProcessIDMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return IDNone
	case "multi", "":
		return IDMulti
	default:
		return IDAlways
	}
}

// DefaultFlushDelay is how long a trailing partial line may stay buffered.
const DefaultFlushDelay = 100 * time.Millisecond

// DefaultTimeFormat is the layout of the time-of-day prefix.
const DefaultTimeFormat = "15:04:05.000"

// Options configures a Formatter.
type Options struct {
	ShowTime      ShowTime
	ShowProcessID ProcessIDMode
	FlushDelay    time.Duration
	TimeFormat    string
	Noise         []NoisePattern
	// Keybindings returns the current command -> key label map used by hint lines.
	Keybindings func() map[string]string
	// RunningCount reports alive runs; required for IDMulti.
	RunningCount func() int
}

// NoisePattern is a known output line replaced by a single hint line the
// first time it is seen by an interceptor and dropped afterwards.
type NoisePattern struct {
	Name  string
	Match *regexp.Regexp
	Hint  func(keys map[string]string) string
}

// HotkeyNoise matches the interpreter complaining that it could not
// register its stop/restart hotkeys, which happens while they are disabled.
var HotkeyNoise = NoisePattern{
	Name:  "hotkey",
	Match: regexp.MustCompile(`(?i)(hotkey.*(set|setting).*fail|unable to set hotkey)`),
	Hint: func(keys map[string]string) string {
		return ">Hotkeys are handled by the editor: stop = " + keyOr(keys, "killScript") +
			", restart = " + keyOr(keys, "restartScript")
	},
}

// DefaultNoise is used when Options.Noise is nil.
var DefaultNoise = []NoisePattern{HotkeyNoise}

func keyOr(keys map[string]string, cmd string) string {
	if k := strings.TrimSpace(keys[cmd]); k != "" {
		return k
	}
	return "(unbound)"
}
