package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yuanying/epubkit/internal/builder"
	"github.com/yuanying/epubkit/internal/epub"
	"go.uber.org/zap"
)

// buildOptions are the publication settings of the build command.
type buildOptions struct {
	Output    string
	Version   epub.Version
	Title     string
	Authors   []string
	Languages []string
	RTL       bool
	Cover     string
}

func newBuildCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build <dir>",
		Short: "Build an EPUB from a directory of XHTML chapters or page images",
		Long: `build writes a new publication from a directory. XHTML files become
chapters in name order, titled by their first heading; every other file is
added as a resource. A directory without XHTML files becomes a fixed-layout
book with one page per image. A top-level cover.* image is used as the
cover unless --cover is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readRootOptions(cmd)
			if err != nil {
				return err
			}
			defer opts.Logger.Sync()
			bopts, err := readBuildOptions(cmd, opts, args[0])
			if err != nil {
				return err
			}
			return buildBook(cmd.Context(), opts, bopts, args[0])
		},
	}
	cmd.Flags().StringP("output", "o", "", "Output file path (default: <dir name>.epub in the working directory)")
	cmd.Flags().Int("version", 0, "EPUB version (2|3, default from config)")
	cmd.Flags().String("title", "", "Publication title (default: directory name)")
	cmd.Flags().StringArray("author", nil, "Author (repeatable)")
	cmd.Flags().StringArray("language", nil, "Language tag (repeatable, default: en)")
	cmd.Flags().Bool("rtl", false, "Right-to-left page progression")
	cmd.Flags().String("cover", "", "Cover image")
	return cmd
}

func readBuildOptions(cmd *cobra.Command, opts *rootOptions, src string) (*buildOptions, error) {
	flags := cmd.Flags()
	b := &buildOptions{Version: epub.Version(opts.Config.Writer.Version)}
	b.Output, _ = flags.GetString("output")
	if b.Output == "" {
		b.Output = sourceName(src) + ".epub"
		if isS3Path(src) {
			b.Output = strings.TrimSuffix(src, "/") + ".epub"
		}
	}
	if flags.Changed("version") {
		v, _ := flags.GetInt("version")
		if v != 2 && v != 3 {
			return nil, fmt.Errorf("invalid --version %d (want 2 or 3)", v)
		}
		b.Version = epub.Version(v)
	}
	b.Title, _ = flags.GetString("title")
	b.Authors, _ = flags.GetStringArray("author")
	b.Languages, _ = flags.GetStringArray("language")
	b.RTL, _ = flags.GetBool("rtl")
	b.Cover, _ = flags.GetString("cover")
	return b, nil
}

func writerOptions(opts *rootOptions, version epub.Version) epub.WriterOptions {
	wopts := epub.DefaultWriterOptions()
	wopts.Version = version
	wopts.Compression = opts.Config.Compression()
	wopts.ContentDirectory = opts.Config.Writer.ContentDirectory
	wopts.ReservedPrefix = opts.Config.Writer.ReservedPrefix
	wopts.Logger = opts.Logger
	return wopts
}

func buildBook(ctx context.Context, opts *rootOptions, b *buildOptions, src string) error {
	dir, err := opts.Locations.openDir(ctx, src)
	if err != nil {
		return err
	}
	bo := builder.Options{
		Title:     b.Title,
		Authors:   b.Authors,
		Languages: b.Languages,
		RTL:       b.RTL,
		Logger:    opts.Logger,
	}
	if b.Cover != "" {
		if bo.Cover, err = opts.Locations.openFile(ctx, b.Cover); err != nil {
			return err
		}
	}
	if bo.Title == "" {
		bo.Title = sourceName(src)
	}

	var res *builder.Result
	err = opts.Locations.writeTo(ctx, b.Output, func(out io.Writer) error {
		w, err := epub.NewZipWriter(ctx, out, writerOptions(opts, b.Version))
		if err != nil {
			return err
		}
		w.IncludeLegacyFeatures = opts.Config.Writer.LegacyFeatures
		res, err = builder.Build(ctx, dir, w, bo)
		return err
	})
	if err != nil {
		return err
	}
	opts.Logger.Info("Built",
		zap.String("output", b.Output),
		zap.Int("chapters", res.Chapters),
		zap.Int("pages", res.Pages),
		zap.Bool("cover", res.Cover),
		zap.String("source", src))
	return nil
}

// sourceName is the last element of a source directory path.
func sourceName(src string) string {
	if isS3Path(src) {
		return baseName(strings.TrimSuffix(src, "/"))
	}
	if abs, err := filepath.Abs(src); err == nil {
		return filepath.Base(abs)
	}
	return filepath.Base(src)
}
