package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/yuanying/epubkit/internal/epub"
	"github.com/yuanying/epubkit/internal/storage"
	"go.uber.org/zap"
)

type coverView struct {
	Path      string `json:"path"`
	MediaType string `json:"media-type"`
}

type infoView struct {
	Path         string         `json:"path"`
	Version      int            `json:"version"`
	PrePaginated bool           `json:"pre-paginated"`
	Cover        *coverView     `json:"cover,omitempty"`
	Metadata     epub.Metadata  `json:"metadata"`
	TOC          []epub.NavItem `json:"toc,omitempty"`
	Files        []string       `json:"files"`
}

func newInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info <epub>...",
		Short: "Show the version, metadata, cover and files of EPUB containers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := readRootOptions(cmd)
			if err != nil {
				return err
			}
			defer opts.Logger.Sync()
			asJSON, _ := cmd.Flags().GetBool("json")

			views := make([]*infoView, len(args))
			err = runInputs(cmd.Context(), opts, args, func(ctx context.Context, i int, input string) error {
				v, err := inspect(ctx, opts, input)
				if err != nil {
					return err
				}
				views[i] = v
				return nil
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if len(views) == 1 {
					return enc.Encode(views[0])
				}
				return enc.Encode(views)
			}
			for _, v := range views {
				printInfo(out, v)
			}
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of text")
	return cmd
}

func inspect(ctx context.Context, opts *rootOptions, input string) (*infoView, error) {
	root, release, err := opts.Locations.openContainer(ctx, input)
	if err != nil {
		return nil, err
	}
	defer release()

	c := epub.NewContainer(root, opts.Logger.With(zap.String("input", input)))
	v := &infoView{Path: input}
	if v.Version, err = c.Version(ctx); err != nil {
		return nil, err
	}
	if v.Metadata, err = c.Metadata(ctx); err != nil {
		return nil, err
	}
	if v.PrePaginated, err = c.IsPrePaginated(ctx); err != nil {
		return nil, err
	}
	cover, err := c.Cover(ctx)
	if err != nil {
		return nil, err
	}
	if cover != nil {
		v.Cover = &coverView{Path: storage.Join(cover.File().Path()), MediaType: cover.MediaType()}
	}
	if v.TOC, err = c.TOC(ctx); err != nil {
		opts.Logger.Warn("Could not read table of contents", zap.String("input", input), zap.Error(err))
	}
	files, err := c.Files(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		v.Files = append(v.Files, storage.Join(f.Path()))
	}
	return v, nil
}

func printInfo(w io.Writer, v *infoView) {
	m := v.Metadata
	fmt.Fprintf(w, "%s\n", v.Path)
	fmt.Fprintf(w, "  Version:       %d\n", v.Version)
	fmt.Fprintf(w, "  Title:         %s\n", m.Title())
	fmt.Fprintf(w, "  Identifier:    %s\n", m.Identifier())
	fmt.Fprintf(w, "  Languages:     %s\n", strings.Join(m.Languages(), ", "))
	var names []string
	for _, c := range m.Creators() {
		names = append(names, c.Name)
	}
	if len(names) > 0 {
		fmt.Fprintf(w, "  Creators:      %s\n", strings.Join(names, ", "))
	}
	if s := m.Series(); s != nil {
		fmt.Fprintf(w, "  Series:        %s %s\n", s.Name, s.Index)
	}
	if d := m.Date(); d != nil {
		fmt.Fprintf(w, "  Date:          %s\n", d.Format("2006-01-02"))
	}
	if v.Cover != nil {
		fmt.Fprintf(w, "  Cover:         %s (%s)\n", v.Cover.Path, v.Cover.MediaType)
	}
	fmt.Fprintf(w, "  Pre-paginated: %t\n", v.PrePaginated)
	fmt.Fprintf(w, "  Files:         %d\n", len(v.Files))
}
