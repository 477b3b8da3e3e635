package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yuanying/epubkit/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

var validLogLevels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// rootOptions is the state shared by every subcommand.
type rootOptions struct {
	Config    *config.Config
	Logger    *zap.Logger
	Locations *locations
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "epubkit",
		Short: "Inspect, repackage and build EPUB publications",
		Long: `epubkit reads EPUB 2 and EPUB 3 containers, rewrites them with
new metadata, covers or content, converts fixed-layout books to CBZ and
builds new publications from a directory of chapters or page images.

Inputs and outputs may be local paths or s3://bucket/key locations when
S3 storage is configured.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug|info|warn|error)")
	cmd.PersistentFlags().String("log-format", "console", "Log format (console|json)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging (overrides --log-level)")

	cmd.AddCommand(newInfoCmd(), newRepackCmd(), newCBZCmd(), newBuildCmd())
	return cmd
}

// readRootOptions loads the configuration, lets explicitly set flags win
// over it and builds the logger.
func readRootOptions(cmd *cobra.Command) (*rootOptions, error) {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Log.Format, _ = flags.GetString("log-format")
	}
	level := strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if _, ok := validLogLevels[level]; !ok {
		return nil, fmt.Errorf("invalid --log-level %q (want debug|info|warn|error)", cfg.Log.Level)
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if format != "console" && format != "json" {
		return nil, fmt.Errorf("invalid --log-format %q (want console|json)", cfg.Log.Format)
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		level = "debug"
	}

	return &rootOptions{
		Config:    cfg,
		Logger:    buildLogger(cmd.ErrOrStderr(), level, format),
		Locations: newLocations(cfg.Storage),
	}, nil
}

func buildLogger(w io.Writer, level, format string) *zap.Logger {
	lvl, ok := validLogLevels[strings.ToLower(level)]
	if !ok {
		lvl = zapcore.InfoLevel
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if strings.EqualFold(format, "json") {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), lvl))
}

// defaultOutputPath swaps the extension of input for ext.
func defaultOutputPath(input, ext string) string {
	if isS3Path(input) {
		return strings.TrimSuffix(input, pathExt(input)) + "." + ext
	}
	return strings.TrimSuffix(input, filepath.Ext(input)) + "." + ext
}

// outputFor names the output of input. With several inputs output is a
// directory; with one it is the file itself.
func outputFor(input, output, ext string, many bool) string {
	switch {
	case output == "":
		return defaultOutputPath(input, ext)
	case many:
		return joinLocation(output, strings.TrimSuffix(baseName(input), pathExt(input))+"."+ext)
	default:
		return output
	}
}

// runInputs runs fn for every input, at most workers at a time. The first
// failure cancels the rest.
func runInputs(ctx context.Context, opts *rootOptions, inputs []string, fn func(ctx context.Context, i int, input string) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Config.Workers)
	for i, input := range inputs {
		i, input := i, input
		g.Go(func() error {
			if err := fn(ctx, i, input); err != nil {
				return fmt.Errorf("%s: %w", input, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
