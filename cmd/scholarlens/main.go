// Package main provides the ScholarLens CLI entrypoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/spherical/scholarlens/internal/cache"
	"github.com/spherical/scholarlens/internal/config"
	"github.com/spherical/scholarlens/internal/domain"
	"github.com/spherical/scholarlens/internal/llm"
	"github.com/spherical/scholarlens/internal/observability"
	"github.com/spherical/scholarlens/internal/preview"
	"github.com/spherical/scholarlens/internal/render"
)

const version = "0.3.0"

var (
	// Global flags
	cfgFile    string
	outputJSON bool
	verbose    bool
	noColor    bool

	// Configuration and logger
	cfg    *config.Config
	logger *observability.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "scholarlens",
	Short: "Preview and analyse academic papers",
	Long: `ScholarLens renders academic PDFs page by page and produces an AI
analysis of the paper together with a methodology diagram.

Use this tool to:
- Serve the preview and analysis HTTP API
- Render every page of a PDF to PNG files
- Stream a structured analysis of a paper to the terminal`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.Observability.LogLevel
		if verbose {
			level = "debug"
		}
		format := cfg.Observability.LogFormat
		if outputJSON {
			format = "json"
		}

		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      format,
			Output:      os.Stderr,
			ServiceName: cfg.Observability.ServiceName,
		})

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: $SCHOLARLENS_CONFIG or built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRenderCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newVersionCmd creates the version subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				_ = enc.Encode(map[string]string{
					"version": version,
					"go":      runtime.Version(),
				})
				return
			}
			fmt.Printf("scholarlens v%s\n", version)
		},
	}
}

// newRasterCache builds the raster cache selected by configuration.
func newRasterCache(ctx context.Context) (cache.Client, error) {
	switch cfg.Cache.Driver {
	case "redis":
		rc := cfg.Cache.Redis
		client, err := cache.NewRedisClient(ctx, cache.RedisConfig{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			PoolSize: rc.PoolSize,
			Prefix:   rc.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect raster cache: %w", err)
		}
		return client, nil
	case "memory":
		return cache.NewMemoryClient(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes), nil
	default:
		return cache.NopClient{}, nil
	}
}

// newScheduler builds a render scheduler backed by the configured cache.
// The returned close function releases the cache.
func newScheduler(ctx context.Context) (*render.Scheduler, func(), error) {
	rasterCache, err := newRasterCache(ctx)
	if err != nil {
		return nil, nil, err
	}

	opts := preview.RenderOptions(cfg)
	opts.Cache = rasterCache
	opts.Logger = logger

	closeCache := func() {
		if err := rasterCache.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close raster cache")
		}
	}
	return render.NewScheduler(opts), closeCache, nil
}

// newAnalyzer returns the AI client, or nil when no API key is configured.
func newAnalyzer() domain.Analyzer {
	if !cfg.HasAI() {
		return nil
	}
	return llm.NewClient(llm.Config{
		APIKey:        cfg.AI.APIKey,
		BaseURL:       cfg.AI.BaseURL,
		AnalysisModel: cfg.AI.AnalysisModel,
		ImageModel:    cfg.AI.ImageModel,
		Timeout:       cfg.AI.Timeout,
		Logger:        logger,
	})
}
