package main

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/yuanying/epubkit/internal/storage"
	"go.uber.org/zap/zapcore"
)

func readRootOptionsForTest(t *testing.T, flagArgs ...string) (*rootOptions, error) {
	t.Helper()
	cmd := newRootCmd()
	if err := cmd.ParseFlags(flagArgs); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	return readRootOptions(cmd)
}

func TestReadRootOptions_Defaults(t *testing.T) {
	opts, err := readRootOptionsForTest(t)
	if err != nil {
		t.Fatalf("readRootOptions() error = %v", err)
	}
	if opts.Logger == nil {
		t.Fatal("Logger is nil, want non-nil")
	}
	if !opts.Logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("Logger should be enabled at INFO level by default")
	}
	if opts.Logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("Logger should not be enabled at DEBUG level by default")
	}
	if opts.Config.Workers <= 0 {
		t.Fatalf("Workers = %d, want positive", opts.Config.Workers)
	}
	if opts.Locations == nil {
		t.Fatal("Locations is nil, want non-nil")
	}
}

func TestReadRootOptions_Verbose(t *testing.T) {
	opts, err := readRootOptionsForTest(t, "--log-level", "warn", "--verbose")
	if err != nil {
		t.Fatalf("readRootOptions() error = %v", err)
	}
	// --verbose overrides log-level to debug
	if !opts.Logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("Logger should be enabled at DEBUG level when --verbose is set")
	}
}

func TestReadRootOptions_LogLevel(t *testing.T) {
	opts, err := readRootOptionsForTest(t, "--log-level", "WARN")
	if err != nil {
		t.Fatalf("readRootOptions() error = %v", err)
	}
	if opts.Logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("Logger should not be enabled at INFO level with --log-level warn")
	}
}

func TestReadRootOptions_InvalidFlags(t *testing.T) {
	tests := []struct {
		args []string
		flag string
	}{
		{[]string{"--log-level", "trace"}, "--log-level"},
		{[]string{"--log-format", "yaml"}, "--log-format"},
	}
	for _, tt := range tests {
		_, err := readRootOptionsForTest(t, tt.args...)
		if err == nil || !strings.Contains(err.Error(), tt.flag) {
			t.Errorf("readRootOptions(%v) error = %v, want error naming %s", tt.args, err, tt.flag)
		}
	}
}

func TestReadRootOptions_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epubkit.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: error\nworkers: 1\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	opts, err := readRootOptionsForTest(t, "--config", path)
	if err != nil {
		t.Fatalf("readRootOptions() error = %v", err)
	}
	if opts.Logger.Core().Enabled(zapcore.WarnLevel) {
		t.Fatal("Logger should follow log.level from the config file")
	}
	if opts.Config.Workers != 1 {
		t.Fatalf("Workers = %d, want 1", opts.Config.Workers)
	}
}

func TestBuildLogger_FormatNormalization(t *testing.T) {
	var buf bytes.Buffer
	logger := buildLogger(&buf, "info", "JSON")
	logger.Info("test message")
	// JSON format should produce JSON output (starts with '{')
	output := buf.String()
	if len(output) == 0 || output[0] != '{' {
		t.Fatalf("expected JSON output for format 'JSON', got: %s", output)
	}
}

func TestBuildLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := buildLogger(&buf, "debug", "console")
	logger.Debug("test message")
	if !strings.Contains(buf.String(), "DEBUG") || !strings.Contains(buf.String(), "test message") {
		t.Fatalf("console output = %q", buf.String())
	}
}

func TestDefaultOutputPath(t *testing.T) {
	tests := []struct {
		input, ext, want string
	}{
		{"./books/sample.epub", "cbz", "./books/sample.cbz"},
		{"./books/sample.epub", "repack.epub", "./books/sample.repack.epub"},
		{"./books/extracted", "cbz", "./books/extracted.cbz"},
		{"s3://bucket/books/sample.epub", "cbz", "s3://bucket/books/sample.cbz"},
	}
	for _, tt := range tests {
		if got := defaultOutputPath(tt.input, tt.ext); got != tt.want {
			t.Errorf("defaultOutputPath(%q, %q) = %q, want %q", tt.input, tt.ext, got, tt.want)
		}
	}
}

func TestOutputFor(t *testing.T) {
	tests := []struct {
		input, output string
		many          bool
		want          string
	}{
		{"a/book.epub", "", false, "a/book.cbz"},
		{"a/book.epub", "out.cbz", false, "out.cbz"},
		{"a/book.epub", "out", true, filepath.Join("out", "book.cbz")},
		{"s3://b/in/book.epub", "s3://b/out/", true, "s3://b/out/book.cbz"},
	}
	for _, tt := range tests {
		if got := outputFor(tt.input, tt.output, "cbz", tt.many); got != tt.want {
			t.Errorf("outputFor(%q, %q, %v) = %q, want %q", tt.input, tt.output, tt.many, got, tt.want)
		}
	}
}

func subcommand(t *testing.T, name string, flagArgs ...string) (*cobra.Command, *rootOptions) {
	t.Helper()
	root := newRootCmd()
	cmd, _, err := root.Find([]string{name})
	if err != nil {
		t.Fatalf("Find(%s) error = %v", name, err)
	}
	if err := cmd.ParseFlags(flagArgs); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	opts, err := readRootOptions(cmd)
	if err != nil {
		t.Fatalf("readRootOptions() error = %v", err)
	}
	return cmd, opts
}

func TestReadRepackOptions(t *testing.T) {
	cmd, opts := subcommand(t, "repack",
		"--title", "New",
		"--author", "A", "--author", "B",
		"--rename", "OEBPS/a.xhtml=OEBPS/b.xhtml",
		"--rename", "OEBPS/drop.css=",
		"--compression", "fastest",
		"--strip-scripts",
	)
	r, err := readRepackOptions(cmd, opts)
	if err != nil {
		t.Fatalf("readRepackOptions() error = %v", err)
	}
	if r.Title != "New" || !reflect.DeepEqual(r.Authors, []string{"A", "B"}) {
		t.Errorf("title/authors = %q/%v", r.Title, r.Authors)
	}
	want := map[string]string{"OEBPS/a.xhtml": "OEBPS/b.xhtml", "OEBPS/drop.css": ""}
	if !reflect.DeepEqual(r.Renames, want) {
		t.Errorf("Renames = %v, want %v", r.Renames, want)
	}
	if r.Compression != storage.Fastest {
		t.Errorf("Compression = %v, want %v", r.Compression, storage.Fastest)
	}
	if !r.StripScripts {
		t.Error("StripScripts = false, want true")
	}
}

func TestReadRepackOptions_Invalid(t *testing.T) {
	tests := []struct {
		args []string
		flag string
	}{
		{[]string{"--rename", "no-separator"}, "--rename"},
		{[]string{"--rename", "=target"}, "--rename"},
		{[]string{"--compression", "zstd"}, "--compression"},
	}
	for _, tt := range tests {
		cmd, opts := subcommand(t, "repack", tt.args...)
		_, err := readRepackOptions(cmd, opts)
		if err == nil || !strings.Contains(err.Error(), tt.flag) {
			t.Errorf("readRepackOptions(%v) error = %v, want error naming %s", tt.args, err, tt.flag)
		}
	}
}

func TestReadBuildOptions(t *testing.T) {
	cmd, opts := subcommand(t, "build", "--version", "2", "--rtl", "-o", "out.epub")
	b, err := readBuildOptions(cmd, opts, "src")
	if err != nil {
		t.Fatalf("readBuildOptions() error = %v", err)
	}
	if b.Version != 2 || !b.RTL || b.Output != "out.epub" {
		t.Errorf("buildOptions = %+v", b)
	}

	cmd, opts = subcommand(t, "build", "--version", "4")
	if _, err := readBuildOptions(cmd, opts, "src"); err == nil || !strings.Contains(err.Error(), "--version") {
		t.Errorf("readBuildOptions() error = %v, want error naming --version", err)
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 12, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 12; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 30, G: 60, B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func infoJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	out, err := runCLI(t, "info", "--json", path)
	if err != nil {
		t.Fatalf("info error = %v", err)
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("info output is not JSON: %v\n%s", err, out)
	}
	return v
}

func metadataTitle(v map[string]any) any {
	m, _ := v["metadata"].(map[string]any)
	title, _ := m["title"].(map[string]any)
	return title["value"]
}

func TestCLI_BuildInfoRepack(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "novel")
	writeFile(t, filepath.Join(src, "01.xhtml"), []byte(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml"><head><title>One</title><script src="x.js"></script></head>
<body><h1>Opening</h1></body></html>`))
	writeFile(t, filepath.Join(src, "x.js"), []byte("void 0;"))
	writeFile(t, filepath.Join(src, "cover.png"), testPNG(t))

	built := filepath.Join(dir, "novel.epub")
	if _, err := runCLI(t, "build", src, "-o", built, "--author", "Jane"); err != nil {
		t.Fatalf("build error = %v", err)
	}

	v := infoJSON(t, built)
	if got := metadataTitle(v); got != "novel" {
		t.Errorf("title = %v, want novel", got)
	}
	if v["version"] != float64(3) {
		t.Errorf("version = %v, want 3", v["version"])
	}
	if cover, _ := v["cover"].(map[string]any); cover["media-type"] != "image/png" {
		t.Errorf("cover = %v, want image/png", v["cover"])
	}

	repacked := filepath.Join(dir, "out", "renamed.epub")
	if _, err := runCLI(t, "repack", built, "-o", repacked, "--title", "Renamed", "--strip-scripts"); err != nil {
		t.Fatalf("repack error = %v", err)
	}
	v = infoJSON(t, repacked)
	if got := metadataTitle(v); got != "Renamed" {
		t.Errorf("title = %v, want Renamed", got)
	}

	zr, err := zip.OpenReader(repacked)
	if err != nil {
		t.Fatalf("zip.OpenReader() error = %v", err)
	}
	defer zr.Close()
	if zr.File[0].Name != "mimetype" || zr.File[0].Method != zip.Store {
		t.Errorf("first entry = %s (method %d), want stored mimetype", zr.File[0].Name, zr.File[0].Method)
	}
}

func TestCLI_BuildCBZ(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "comic")
	for _, name := range []string{"01.png", "02.png", "03.png"} {
		writeFile(t, filepath.Join(src, name), testPNG(t))
	}
	built := filepath.Join(dir, "comic.epub")
	if _, err := runCLI(t, "build", src, "-o", built, "--rtl"); err != nil {
		t.Fatalf("build error = %v", err)
	}
	v := infoJSON(t, built)
	if v["pre-paginated"] != true {
		t.Errorf("pre-paginated = %v, want true", v["pre-paginated"])
	}

	if _, err := runCLI(t, "cbz", built); err != nil {
		t.Fatalf("cbz error = %v", err)
	}
	zr, err := zip.OpenReader(filepath.Join(dir, "comic.cbz"))
	if err != nil {
		t.Fatalf("zip.OpenReader() error = %v", err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if want := []string{"1.png", "2.png", "3.png"}; !reflect.DeepEqual(names, want) {
		t.Errorf("cbz entries = %v, want %v", names, want)
	}
}

func TestCLI_S3NotConfigured(t *testing.T) {
	_, err := runCLI(t, "info", "s3://bucket/book.epub")
	if !errors.Is(err, errS3NotConfigured) {
		t.Errorf("info error = %v, want errS3NotConfigured", err)
	}
}
