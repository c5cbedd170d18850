package config

// ConfigDiff describes what changed between two configs. Only changes the
// gateway can apply without a restart are tracked: the log level takes
// effect immediately, opening and ack changes re-warm their audio caches,
// and policy changes apply to calls accepted after the reload.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// OpeningChanged reports a new opening script or caching mode.
	OpeningChanged bool

	// AckChanged reports a new acknowledgement filler text.
	AckChanged bool

	// PolicyChanged reports any other change to the per-call policy
	// (turn-taking, VAD, speech shaping, pacing, timers).
	PolicyChanged bool
}

// Any reports whether the diff carries any change at all.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.OpeningChanged || d.AckChanged || d.PolicyChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Call.OpeningScript != new.Call.OpeningScript ||
		old.Call.CacheOpening() != new.Call.CacheOpening() {
		d.OpeningChanged = true
	}

	if old.Call.AckText != new.Call.AckText {
		d.AckChanged = true
	}

	if policyOf(old) != policyOf(new) {
		d.PolicyChanged = true
	}

	return d
}

// policy is the comparable projection of everything a new call reads from
// the config. The opening cache flag is folded to its resolved value so a
// nil-vs-explicit-true edit does not register as a change.
type policy struct {
	call         CallConfig
	cacheOpening bool
	vad          VADConfig
	speech       SpeechConfig
	audio        AudioConfig
}

func policyOf(c *Config) policy {
	call := c.Call
	call.CacheOpeningAudio = nil
	return policy{
		call:         call,
		cacheOpening: c.Call.CacheOpening(),
		vad:          c.VAD,
		speech:       c.Speech,
		audio:        c.Audio,
	}
}
