package config

import (
	"fmt"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// InsightFilterChanged is set when min_engagement or deny_urls changed.
	InsightFilterChanged bool
	MinEngagement        float64
	DenyURLs             []string

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether d carries any hot-reloadable change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.InsightFilterChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Insight.MinEngagement != new.Insight.MinEngagement || !slices.Equal(old.Insight.DenyURLs, new.Insight.DenyURLs) {
		d.InsightFilterChanged = true
		d.MinEngagement = new.Insight.MinEngagement
		d.DenyURLs = slices.Clone(new.Insight.DenyURLs)
	}

	// Everything else is wired once at startup.
	oi, ni := old.Insight, new.Insight
	oi.MinEngagement, ni.MinEngagement = 0, 0
	oi.DenyURLs, ni.DenyURLs = nil, nil
	os, ns := old.Server, new.Server
	os.LogLevel, ns.LogLevel = "", ""

	if !serverEqual(os, ns) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Ingest != new.Ingest {
		d.RestartRequired = append(d.RestartRequired, "ingest")
	}
	if old.Retrieval != new.Retrieval {
		d.RestartRequired = append(d.RestartRequired, "retrieval")
	}
	if oi.Interval != ni.Interval || oi.CallTimeout != ni.CallTimeout || oi.MaxKeywords != ni.MaxKeywords ||
		oi.MaxArtifacts != ni.MaxArtifacts || oi.TranscriptChars != ni.TranscriptChars || oi.Interests != ni.Interests {
		d.RestartRequired = append(d.RestartRequired, "insight")
	}
	return d
}

func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.DisableMCP != b.DisableMCP || a.ShutdownTimeout != b.ShutdownTimeout ||
		a.TraceSampleRatio != b.TraceSampleRatio {
		return false
	}
	if !slices.Equal(a.AllowedOrigins, b.AllowedOrigins) {
		return false
	}
	switch {
	case a.TLS == nil && b.TLS == nil:
		return true
	case a.TLS == nil || b.TLS == nil:
		return false
	default:
		return *a.TLS == *b.TLS
	}
}

func providersEqual(a, b ProvidersConfig) bool {
	return entryEqual(a.LLM, b.LLM) && entryEqual(a.STT, b.STT) &&
		entryEqual(a.Embeddings, b.Embeddings) && entryEqual(a.Social, b.Social) &&
		slices.EqualFunc(a.LLMFallbacks, b.LLMFallbacks, entryEqual) &&
		slices.EqualFunc(a.STTFallbacks, b.STTFallbacks, entryEqual)
}

func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) != len(b.Options) {
		return false
	}
	for k, v := range a.Options {
		w, ok := b.Options[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}
