package sandbox

import "sort"

// Flag is one outcome classification of an execution.
type Flag string

const (
	FlagCompletedClean      Flag = "completed_clean"
	FlagCompletedWithStderr Flag = "completed_with_stderr"
	FlagRaisedError         Flag = "raised_error"
	FlagTimedOut            Flag = "timed_out"
	FlagProducedImage       Flag = "produced_image"
	FlagNoOutput            Flag = "no_output"
	FlagConfigError         Flag = "config_error"

	// FlagGenerationFailed marks an analysis whose script was never run
	// because no usable code was generated. Classify never returns it.
	FlagGenerationFailed Flag = "generation_failed"
)

// AllFlags lists every flag, in sorted order.
var AllFlags = []Flag{
	FlagCompletedClean,
	FlagCompletedWithStderr,
	FlagConfigError,
	FlagGenerationFailed,
	FlagNoOutput,
	FlagProducedImage,
	FlagRaisedError,
	FlagTimedOut,
}

// Outcome is the raw observation of a finished child process.
type Outcome struct {
	LaunchFailed bool
	TimedOut     bool
	ExitCode     int
	HasStdout    bool
	HasStderr    bool
	HasArtifact  bool
}

// Classify maps an outcome to its flags. Exactly one of config_error,
// timed_out, raised_error, completed_with_stderr, completed_clean is always
// present, so the result is never empty. A timeout never reports
// raised_error even though the killed child exits non-zero.
func Classify(o Outcome) []Flag {
	flags := make([]Flag, 0, 3)

	switch {
	case o.LaunchFailed:
		flags = append(flags, FlagConfigError)
	case o.TimedOut:
		flags = append(flags, FlagTimedOut)
	case o.ExitCode != 0:
		flags = append(flags, FlagRaisedError)
	case o.HasStderr:
		flags = append(flags, FlagCompletedWithStderr)
	default:
		flags = append(flags, FlagCompletedClean)
	}

	if !o.LaunchFailed && !o.TimedOut && !o.HasStdout && !o.HasStderr {
		flags = append(flags, FlagNoOutput)
	}
	if o.HasArtifact {
		flags = append(flags, FlagProducedImage)
	}

	return NormalizeFlags(flags)
}

// NormalizeFlags sorts and de-duplicates flags in place and returns the
// shortened slice.
func NormalizeFlags(flags []Flag) []Flag {
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })
	out := flags[:0]
	for _, f := range flags {
		if len(out) > 0 && out[len(out)-1] == f {
			continue
		}
		out = append(out, f)
	}
	return out
}

// FlagStrings converts flags to plain strings for the wire.
func FlagStrings(flags []Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

// ParseFlags converts wire strings back to flags, dropping unknown values.
func ParseFlags(values []string) []Flag {
	out := make([]Flag, 0, len(values))
	for _, v := range values {
		f := Flag(v)
		for _, known := range AllFlags {
			if f == known {
				out = append(out, f)
				break
			}
		}
	}
	return NormalizeFlags(out)
}
