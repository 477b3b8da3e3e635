package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yuanying/epubkit/internal/epub"
	"github.com/yuanying/epubkit/internal/storage"
	"go.uber.org/zap"
)

func newCBZCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cbz <epub>...",
		Short: "Convert fixed-layout EPUB containers to CBZ archives",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readRootOptions(cmd)
			if err != nil {
				return err
			}
			defer opts.Logger.Sync()

			output, _ := cmd.Flags().GetString("output")
			extract, _ := cmd.Flags().GetBool("extract")
			compression := opts.Config.Compression()
			if c, _ := cmd.Flags().GetString("compression"); c != "" {
				if compression, err = storage.ParseCompression(c); err != nil {
					return fmt.Errorf("invalid --compression: %w", err)
				}
			}

			return runInputs(cmd.Context(), opts, args, func(ctx context.Context, _ int, input string) error {
				out := outputFor(input, output, "cbz", len(args) > 1)
				return convertCBZ(ctx, opts, input, out, extract, compression)
			})
		},
	}
	cmd.Flags().StringP("output", "o", "", "Output path (default: <input>.cbz)")
	cmd.Flags().Bool("extract", false, "Write the numbered pages into a directory")
	cmd.Flags().String("compression", "", "Zip compression (none|fastest|optimal|smallest)")
	return cmd
}

func convertCBZ(ctx context.Context, opts *rootOptions, input, output string, extract bool, compression storage.Compression) error {
	log := opts.Logger.With(zap.String("input", input))
	root, release, err := opts.Locations.openContainer(ctx, input)
	if err != nil {
		return err
	}
	defer release()
	cv := epub.NewCBZConverter(epub.NewContainer(root, log))

	if extract {
		dir, err := opts.Locations.outputDir(ctx, strings.TrimSuffix(output, pathExt(output)))
		if err != nil {
			return err
		}
		if err := cv.WriteDir(ctx, dir); err != nil {
			return err
		}
		log.Info("Converted to CBZ", zap.String("output", storage.Join(dir.Path())))
		return nil
	}
	err = opts.Locations.writeTo(ctx, output, func(w io.Writer) error {
		return cv.WriteZip(ctx, w, compression)
	})
	if err != nil {
		return err
	}
	log.Info("Converted to CBZ", zap.String("output", output))
	return nil
}
