package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yuanying/epubkit/internal/epub"
	"github.com/yuanying/epubkit/internal/imaging"
	"github.com/yuanying/epubkit/internal/mediatype"
	"github.com/yuanying/epubkit/internal/storage"
	"go.uber.org/zap"
)

// repackOptions are the Packager changes requested on the command line.
type repackOptions struct {
	Output       string
	Extract      bool
	Title        string
	Authors      []string
	Cover        string
	StripScripts bool
	Renames      map[string]string
	Compression  storage.Compression
}

func newRepackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repack <epub>...",
		Short: "Rewrite EPUB containers with new metadata, cover or content",
		Long: `repack copies each container into a new EPUB archive. Files that are
not changed are copied byte for byte. With several inputs, --output names a
directory that receives one archive per input.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readRootOptions(cmd)
			if err != nil {
				return err
			}
			defer opts.Logger.Sync()
			ropts, err := readRepackOptions(cmd, opts)
			if err != nil {
				return err
			}
			return runInputs(cmd.Context(), opts, args, func(ctx context.Context, _ int, input string) error {
				out := outputFor(input, ropts.Output, "repack.epub", len(args) > 1)
				return repack(ctx, opts, ropts, input, out)
			})
		},
	}
	cmd.Flags().StringP("output", "o", "", "Output path (default: <input>.repack.epub)")
	cmd.Flags().Bool("extract", false, "Write an extracted directory instead of an archive")
	cmd.Flags().String("title", "", "Replace the title")
	cmd.Flags().StringArray("author", nil, "Replace the creators (repeatable)")
	cmd.Flags().String("cover", "", "Replace the cover image")
	cmd.Flags().Bool("strip-scripts", false, "Remove script elements from content documents")
	cmd.Flags().StringArray("rename", nil, "Move a file, old=new from the container root; an empty new drops it (repeatable)")
	cmd.Flags().String("compression", "", "Zip compression (none|fastest|optimal|smallest)")
	return cmd
}

func readRepackOptions(cmd *cobra.Command, opts *rootOptions) (*repackOptions, error) {
	flags := cmd.Flags()
	r := &repackOptions{Compression: opts.Config.Compression()}
	r.Output, _ = flags.GetString("output")
	r.Extract, _ = flags.GetBool("extract")
	r.Title, _ = flags.GetString("title")
	r.Authors, _ = flags.GetStringArray("author")
	r.Cover, _ = flags.GetString("cover")
	r.StripScripts, _ = flags.GetBool("strip-scripts")

	if c, _ := flags.GetString("compression"); c != "" {
		comp, err := storage.ParseCompression(c)
		if err != nil {
			return nil, fmt.Errorf("invalid --compression: %w", err)
		}
		r.Compression = comp
	}

	renames, _ := flags.GetStringArray("rename")
	if len(renames) > 0 {
		r.Renames = make(map[string]string, len(renames))
	}
	for _, rn := range renames {
		from, to, ok := strings.Cut(rn, "=")
		if !ok || strings.TrimSpace(from) == "" {
			return nil, fmt.Errorf("invalid --rename %q (want old=new)", rn)
		}
		r.Renames[strings.TrimSpace(from)] = strings.TrimSpace(to)
	}
	return r, nil
}

func repack(ctx context.Context, opts *rootOptions, r *repackOptions, input, output string) error {
	log := opts.Logger.With(zap.String("input", input))
	root, release, err := opts.Locations.openContainer(ctx, input)
	if err != nil {
		return err
	}
	defer release()
	c := epub.NewContainer(root, log)

	var popts []epub.PackagerOption
	if r.Title != "" || len(r.Authors) > 0 {
		popts = append(popts, epub.WithMetadataHandler(func(m epub.Metadata) error {
			if r.Title != "" {
				if err := m.SetTitle(r.Title); err != nil {
					return err
				}
			}
			if len(r.Authors) > 0 {
				creators := make([]epub.Creator, 0, len(r.Authors))
				for _, a := range r.Authors {
					creators = append(creators, epub.Creator{Name: a, Roles: []string{"aut"}})
				}
				m.SetCreators(creators)
			}
			return nil
		}))
	}
	if r.StripScripts {
		popts = append(popts, epub.WithXHTMLHandler(epub.RemoveScripts))
	}
	if len(r.Renames) > 0 {
		popts = append(popts, epub.WithFileNameOverrides(r.Renames))
	}
	if r.Cover != "" {
		opt, err := coverOption(ctx, opts, c, r.Cover, log)
		if err != nil {
			return err
		}
		popts = append(popts, opt)
	}

	p := epub.NewPackager(c, nil, popts...)
	if r.Extract {
		dir, err := opts.Locations.outputDir(ctx, strings.TrimSuffix(output, pathExt(output)))
		if err != nil {
			return err
		}
		err = p.WriteDir(ctx, dir)
		if err == nil {
			log.Info("Repacked", zap.String("output", storage.Join(dir.Path())))
		}
		return err
	}
	err = opts.Locations.writeTo(ctx, output, func(w io.Writer) error {
		return p.WriteZip(ctx, w, r.Compression)
	})
	if err == nil {
		log.Info("Repacked", zap.String("output", output))
	}
	return err
}

// coverOption reads the replacement cover and transcodes it to the media
// type of the existing cover when the encoder supports it.
func coverOption(ctx context.Context, opts *rootOptions, c *epub.Container, coverPath string, log *zap.Logger) (epub.PackagerOption, error) {
	f, err := opts.Locations.openFile(ctx, coverPath)
	if err != nil {
		return nil, err
	}
	data, err := storage.ReadAll(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to read cover: %w", err)
	}
	mediaType := mediatype.ForPath(mediatype.Default, coverPath, mediatype.OctetStream)

	existing, err := c.Cover(ctx)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.MediaType() != mediaType && imaging.CanEncode(existing.MediaType()) {
		img, err := imaging.NewTranscoder().Transcode(data, existing.MediaType())
		if err != nil {
			return nil, fmt.Errorf("failed to transcode cover: %w", err)
		}
		log.Debug("Transcoded cover",
			zap.String("from", mediaType),
			zap.String("to", img.MediaType),
			zap.Int("width", img.Width),
			zap.Int("height", img.Height))
		data, mediaType = img.Data, img.MediaType
	}
	if !mediatype.IsImage(mediaType) {
		return nil, fmt.Errorf("cover %s is not an image (%s)", coverPath, mediaType)
	}

	return epub.WithCoverHandler(mediaType, func(_ context.Context, _ *epub.Cover, w io.Writer) error {
		_, err := w.Write(data)
		return err
	}), nil
}
