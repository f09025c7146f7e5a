// Command listenbuddy is the main entry point for the listenbuddy server.
package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/spf13/pflag"

	"github.com/MrWong99/listenbuddy/internal/app"
	"github.com/MrWong99/listenbuddy/internal/config"
	"github.com/MrWong99/listenbuddy/internal/mcpserver"
	"github.com/MrWong99/listenbuddy/internal/observe"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings"
	"github.com/MrWong99/listenbuddy/pkg/provider/embeddings/hash"
	ollamaembed "github.com/MrWong99/listenbuddy/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/listenbuddy/pkg/provider/embeddings/openai"
	"github.com/MrWong99/listenbuddy/pkg/provider/llm"
	"github.com/MrWong99/listenbuddy/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/listenbuddy/pkg/provider/llm/openai"
	"github.com/MrWong99/listenbuddy/pkg/provider/social"
	"github.com/MrWong99/listenbuddy/pkg/provider/social/mcptool"
	"github.com/MrWong99/listenbuddy/pkg/provider/social/x"
	"github.com/MrWong99/listenbuddy/pkg/provider/stt"
	"github.com/MrWong99/listenbuddy/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/listenbuddy/pkg/provider/stt/openai"
	"github.com/MrWong99/listenbuddy/pkg/provider/stt/whisper"
)

// mcpConnectTimeout bounds the handshake with an MCP search server.
const mcpConnectTimeout = 15 * time.Second

// options holds the parsed command line.
type options struct {
	configPath    string
	configSet     bool
	listenAddr    string
	logLevel      string
	watchInterval time.Duration
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	opts, err := parseFlags(args)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "listenbuddy: %v\n", err)
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watch, err := loadConfig(opts)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "listenbuddy: config file %q not found\n", opts.configPath)
		} else {
			fmt.Fprintf(os.Stderr, "listenbuddy: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("listenbuddy starting",
		"config", opts.configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	// The meter provider must be global before app.New builds its metrics.
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "listenbuddy",
		ServiceVersion: mcpserver.Version,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		_ = shutdownTelemetry(context.Background())
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithLogLevel(level),
		app.WithTelemetry(shutdownTelemetry),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = providers.Close()
		_ = shutdownTelemetry(context.Background())
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	// The file is polled every --watch-interval; SIGHUP forces a check.
	if watch {
		interval := opts.watchInterval
		if interval <= 0 {
			interval = 24 * time.Hour
		}
		w, err := config.NewWatcher(opts.configPath, func(old, next *config.Config) {
			application.Reload(old, next)
		}, config.WithInterval(interval), config.WithOverlay(opts.apply))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
			go reloadOnHangup(ctx, w)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if !w.Check() {
				slog.Info("SIGHUP: configuration unchanged")
			}
		}
	}
}

// parseFlags parses args into options. It returns [pflag.ErrHelp] after
// printing usage when -h or --help is given.
func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("listenbuddy", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML configuration file (env LISTENBUDDY_CONFIG)")
	fs.StringVar(&opts.listenAddr, "listen", "", "listen address, overrides server.listen_addr")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error), overrides server.log_level")
	fs.DurationVar(&opts.watchInterval, "watch-interval", 5*time.Second, "config file poll interval, 0 polls only on SIGHUP")
	fs.SortFlags = false

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if opts.logLevel != "" && !config.LogLevel(opts.logLevel).IsValid() {
		return opts, fmt.Errorf("invalid --log-level %q", opts.logLevel)
	}
	opts.configSet = fs.Changed("config")
	if env := os.Getenv("LISTENBUDDY_CONFIG"); env != "" && !opts.configSet {
		opts.configPath, opts.configSet = env, true
	}
	return opts, nil
}

// loadConfig reads the config file and applies flag overrides. A missing
// config file is only an error when its path was given explicitly;
// otherwise the defaults are used and nothing is watched.
func loadConfig(opts options) (*config.Config, bool, error) {
	cfg, err := config.Load(opts.configPath)
	watch := true
	if errors.Is(err, os.ErrNotExist) && !opts.configSet {
		cfg, err, watch = config.Default(), nil, false
	}
	if err != nil {
		return nil, false, err
	}

	opts.apply(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, false, err
	}
	return cfg, watch, nil
}

// apply writes the command-line overrides into cfg.
func (o options) apply(cfg *config.Config) {
	if o.listenAddr != "" {
		cfg.Server.ListenAddr = o.listenAddr
	}
	if o.logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(o.logLevel)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// listenbuddy. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm":        {"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama"},
	"stt":        {"openai", "deepgram", "whisper", "whisper-native"},
	"embeddings": {"openai", "ollama", "hash"},
	"social":     {"x", "mcp"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// Everything else goes through any-llm-go: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oastt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oastt.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oastt.WithTimeout(d))
		}
		return oastt.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if kw := optStrings(entry.Options, "keywords"); len(kw) > 0 {
			opts = append(opts, deepgram.WithKeywords(kw...))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "concurrency"); n > 0 {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("hash", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		return hash.New(optInt(entry.Options, "dimensions")), nil
	})

	// ── Social ────────────────────────────────────────────────────────────────
	reg.RegisterSocial("x", func(entry config.ProviderEntry) (social.Searcher, error) {
		var opts []x.Option
		if entry.BaseURL != "" {
			opts = append(opts, x.WithEndpoint(entry.BaseURL))
		}
		if n := optInt(entry.Options, "max_results"); n > 0 {
			opts = append(opts, x.WithMaxResults(n))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, x.WithLanguage(lang))
		}
		return x.New(entry.APIKey, opts...)
	})

	reg.RegisterSocial("mcp", func(entry config.ProviderEntry) (social.Searcher, error) {
		ctx, cancel := context.WithTimeout(context.Background(), mcpConnectTimeout)
		defer cancel()
		return mcptool.Connect(ctx, mcptool.Config{
			Command:     optString(entry.Options, "command"),
			Env:         optStringMap(entry.Options, "env"),
			URL:         entry.BaseURL,
			Tool:        cmp.Or(optString(entry.Options, "tool"), entry.Model),
			Argument:    optString(entry.Options, "argument"),
			DefaultKind: optString(entry.Options, "kind"),
		})
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       listenbuddy startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("Embeddings", cfg.Providers.Embeddings.Name, cfg.Providers.Embeddings.Model)
	printProvider("Social", cfg.Providers.Social.Name, cfg.Providers.Social.Model)
	fmt.Printf("║  Fallbacks       : %-19s ║\n",
		fmt.Sprintf("%d llm, %d stt", len(cfg.Providers.LLMFallbacks), len(cfg.Providers.STTFallbacks)))
	fmt.Printf("║  Memory          : %-19s ║\n", cfg.Memory.Backend)
	if cfg.Server.DisableMCP {
		fmt.Printf("║  MCP endpoint    : %-19s ║\n", "(disabled)")
	} else {
		fmt.Printf("║  MCP endpoint    : %-19s ║\n", "/mcp")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer. YAML decodes whole numbers as int, but floats
// are accepted too.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// optDuration parses a Go duration string such as "20s".
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}

// optStrings extracts a list of strings, skipping non-string items.
func optStrings(opts map[string]any, key string) []string {
	raw, _ := opts[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// optStringMap extracts a string-keyed map of strings.
func optStringMap(opts map[string]any, key string) map[string]string {
	raw, _ := opts[key].(map[string]any)
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
