package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"openai", "deepgram", "whisper", "whisper-native"},
	"embeddings": {"openai", "ollama", "hash"},
	"social":     {"x", "mcp"},
}

// Insight interval bounds.
const (
	MinInsightInterval = 30 * time.Second
	MaxInsightInterval = 60 * time.Second
)

// Default values filled in by [ApplyDefaults].
const (
	DefaultListenAddr        = ":8080"
	DefaultArchivePath       = "listenbuddy.db"
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultInactivityTimeout = 30 * time.Second
	DefaultReapInterval      = 5 * time.Second
	DefaultDrainTimeout      = 30 * time.Second
	DefaultSampleRate        = 16000
	DefaultMaxWindow         = 8 * time.Second
	DefaultSilenceGap        = 800 * time.Millisecond
	DefaultSilenceThreshold  = 300
	DefaultQueueSize         = 4
	DefaultTranscribeTimeout = 20 * time.Second
	DefaultTopK              = 6
	DefaultMaxContextTokens  = 2000
	DefaultRetrievalTimeout  = 30 * time.Second
	DefaultInsightInterval   = 45 * time.Second
	DefaultCallTimeout       = 10 * time.Second
	DefaultMaxKeywords       = 5
	DefaultMaxArtifacts      = 10
	DefaultTranscriptChars   = 6000
	DefaultEmbeddingCache    = 4096
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)

	setDefault(&cfg.Providers.Embeddings.Name, "hash")

	setDefault(&cfg.Memory.Backend, BackendChromem)
	setDefault(&cfg.Memory.EmbeddingCacheSize, DefaultEmbeddingCache)

	setDefault(&cfg.Archive.Path, DefaultArchivePath)

	setDefault(&cfg.Session.InactivityTimeout, DefaultInactivityTimeout)
	setDefault(&cfg.Session.ReapInterval, DefaultReapInterval)
	setDefault(&cfg.Session.DrainTimeout, DefaultDrainTimeout)

	in := &cfg.Ingest
	setDefault(&in.SampleRate, DefaultSampleRate)
	setDefault(&in.MaxWindow, DefaultMaxWindow)
	setDefault(&in.SilenceGap, DefaultSilenceGap)
	setDefault(&in.SilenceThreshold, DefaultSilenceThreshold)
	setDefault(&in.QueueSize, DefaultQueueSize)
	setDefault(&in.TranscribeTimeout, DefaultTranscribeTimeout)
	setDefault(&in.Retry.MaxAttempts, 3)
	setDefault(&in.Retry.InitialBackoff, time.Second)
	setDefault(&in.Retry.MaxBackoff, 30*time.Second)

	setDefault(&cfg.Retrieval.TopK, DefaultTopK)
	setDefault(&cfg.Retrieval.MaxContextTokens, DefaultMaxContextTokens)
	setDefault(&cfg.Retrieval.Timeout, DefaultRetrievalTimeout)

	ins := &cfg.Insight
	setDefault(&ins.Interval, DefaultInsightInterval)
	setDefault(&ins.CallTimeout, DefaultCallTimeout)
	setDefault(&ins.MaxKeywords, DefaultMaxKeywords)
	setDefault(&ins.MaxArtifacts, DefaultMaxArtifacts)
	setDefault(&ins.TranscriptChars, DefaultTranscriptChars)
}

func setDefault[T comparable](field *T, v T) {
	var zero T
	if *field == zero {
		*field = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be between 0 and 1", r))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("social", cfg.Providers.Social.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; audio will be buffered but never transcribed")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("providers.llm is not configured; questions, titles and insights are unavailable")
	}
	if cfg.Providers.Social.Name == "" {
		slog.Warn("providers.social is not configured; insight cards will carry notes only")
	}

	// Memory
	if cfg.Memory.Backend != "" && !cfg.Memory.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: chromem, postgres", cfg.Memory.Backend))
	}
	if cfg.Memory.Backend == BackendPostgres {
		if cfg.Memory.PostgresDSN == "" {
			errs = append(errs, errors.New("memory.postgres_dsn is required when memory.backend is postgres"))
		}
		if cfg.Memory.EmbeddingDimensions <= 0 {
			errs = append(errs, errors.New("memory.embedding_dimensions must be positive when memory.backend is postgres"))
		}
	}
	if cfg.Memory.EmbeddingCacheSize < 0 {
		errs = append(errs, errors.New("memory.embedding_cache_size must not be negative"))
	}

	// Session
	errs = appendPositive(errs, "session.inactivity_timeout", cfg.Session.InactivityTimeout)
	errs = appendPositive(errs, "session.reap_interval", cfg.Session.ReapInterval)
	errs = appendPositive(errs, "session.drain_timeout", cfg.Session.DrainTimeout)

	// Ingest
	in := cfg.Ingest
	if in.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("ingest.sample_rate %d must be positive", in.SampleRate))
	}
	errs = appendPositive(errs, "ingest.max_window", in.MaxWindow)
	errs = appendPositive(errs, "ingest.silence_gap", in.SilenceGap)
	errs = appendPositive(errs, "ingest.transcribe_timeout", in.TranscribeTimeout)
	if in.SilenceGap >= in.MaxWindow {
		errs = append(errs, fmt.Errorf("ingest.silence_gap %s must be shorter than ingest.max_window %s", in.SilenceGap, in.MaxWindow))
	}
	if in.SilenceThreshold < 0 || in.SilenceThreshold > 32767 {
		errs = append(errs, fmt.Errorf("ingest.silence_threshold %.0f is out of range [0, 32767]", in.SilenceThreshold))
	}
	if in.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("ingest.queue_size %d must be positive", in.QueueSize))
	}
	if in.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ingest.retry.max_attempts %d must be at least 1", in.Retry.MaxAttempts))
	}
	if in.Retry.Jitter < 0 || in.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("ingest.retry.jitter %.2f is out of range [0, 1]", in.Retry.Jitter))
	}

	// Retrieval
	if cfg.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k %d must be positive", cfg.Retrieval.TopK))
	}
	if cfg.Retrieval.MaxContextTokens <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.max_context_tokens %d must be positive", cfg.Retrieval.MaxContextTokens))
	}
	errs = appendPositive(errs, "retrieval.timeout", cfg.Retrieval.Timeout)

	// Insight
	ins := cfg.Insight
	if ins.Interval < MinInsightInterval || ins.Interval > MaxInsightInterval {
		errs = append(errs, fmt.Errorf("insight.interval %s is out of range [%s, %s]", ins.Interval, MinInsightInterval, MaxInsightInterval))
	}
	errs = appendPositive(errs, "insight.call_timeout", ins.CallTimeout)
	if ins.CallTimeout >= ins.Interval {
		errs = append(errs, fmt.Errorf("insight.call_timeout %s must be shorter than insight.interval %s", ins.CallTimeout, ins.Interval))
	}
	if ins.MaxKeywords <= 0 {
		errs = append(errs, fmt.Errorf("insight.max_keywords %d must be positive", ins.MaxKeywords))
	}
	if ins.MinEngagement < 0 {
		errs = append(errs, fmt.Errorf("insight.min_engagement %.2f must not be negative", ins.MinEngagement))
	}
	for i, p := range ins.DenyURLs {
		if _, err := glob.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("insight.deny_urls[%d] %q is not a valid glob: %w", i, p, err))
		}
	}

	return errors.Join(errs...)
}

func appendPositive(errs []error, name string, d time.Duration) []error {
	if d <= 0 {
		return append(errs, fmt.Errorf("%s %s must be positive", name, d))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
