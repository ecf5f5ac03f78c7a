// Package compress turns the shrunk image into a gzip, xz or zstd artifact.
// The source file is consumed: after a successful run only the compressed
// file remains.
package compress

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"

	"github.com/openWB/PiShrink/internal/utils"
)

// Result describes the produced artifact.
type Result struct {
	Path       string
	InputSize  int64
	OutputSize int64
	Digest     digest.Digest
}

// Compressor runs the compression stage.
type Compressor struct{}

// New returns a Compressor.
func New() *Compressor { return &Compressor{} }

// Compress implements the stage for the orchestrator.
func (Compressor) Compress(ctx context.Context, path string, spec Spec) (Result, error) {
	return Compress(ctx, path, spec)
}

// Compress writes path+"."+spec.Extension and removes path. The output is
// written to a temporary sibling and renamed into place, so a failure
// leaves the source untouched and no partial artifact behind.
func Compress(ctx context.Context, path string, spec Spec) (Result, error) {
	settings, err := ParseOptions(spec.Tool, spec.Options)
	if err != nil {
		return Result{}, err
	}
	if len(settings.Ignored) > 0 {
		utils.PrintWarning("Ignoring %s options: %s", spec.Tool, strings.Join(settings.Ignored, " "))
	}
	enc, ok := encoders[spec.Tool]
	if !ok {
		return Result{}, fmt.Errorf("unsupported compression tool %q", spec.Tool)
	}

	src, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat %s: %w", path, err)
	}

	out := path + "." + spec.Extension
	tmp, err := os.CreateTemp(filepath.Dir(out), "."+filepath.Base(out)+".*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("create temporary output: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	utils.PrintMessage("Compressing %s with %s (%s)...", utils.StylePath(path),
		utils.StyleName(string(spec.Tool)), utils.StyleCommand(optionsLabel(spec.Options)))
	utils.Trace("compress", utils.Fields{
		"tool": spec.Tool, "options": spec.Options, "parallel": spec.Parallel,
		"workers": settings.Workers, "level": settings.Level, "input": path,
	})

	var r io.Reader = &ctxReader{ctx: ctx, r: src}
	if settings.Verbose || spec.Verbose {
		bar := newBar(info.Size(), "compressing")
		defer bar.Finish()
		r = io.TeeReader(r, bar)
	}

	digester := digest.SHA256.Digester()
	counter := &countWriter{}
	bw := bufio.NewWriterSize(io.MultiWriter(tmp, digester.Hash(), counter), 1<<20)

	if settings.Workers > 1 && spec.Tool != Zstd {
		err = compressChunks(ctx, bw, r, enc, settings)
	} else {
		err = compressStream(bw, r, enc, settings)
	}
	if err != nil {
		return Result{}, fmt.Errorf("%s compression of %s failed: %w", spec.Tool, path, err)
	}
	if err := bw.Flush(); err != nil {
		return Result{}, fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		return Result{}, fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), utils.PermFile); err != nil {
		return Result{}, fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), out); err != nil {
		return Result{}, fmt.Errorf("rename to %s: %w", out, err)
	}
	committed = true

	if err := os.Remove(path); err != nil {
		return Result{}, fmt.Errorf("remove uncompressed %s: %w", path, err)
	}

	res := Result{Path: out, InputSize: info.Size(), OutputSize: counter.n, Digest: digester.Digest()}
	utils.Trace("compress", utils.Fields{"output": out, "outsize": res.OutputSize, "digest": res.Digest.String()})
	return res, nil
}

// encoder wraps w in a compressing writer configured from s.
type encoder func(w io.Writer, s Settings) (io.WriteCloser, error)

var encoders = map[Tool]encoder{
	Gzip: func(w io.Writer, s Settings) (io.WriteCloser, error) {
		level := s.Level
		if level < 0 {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(w, level)
	},
	Xz: func(w io.Writer, s Settings) (io.WriteCloser, error) {
		cfg := xz.WriterConfig{DictCap: xzDictCap(s.Level, s.Extreme)}
		return cfg.NewWriter(w)
	},
	Zstd: func(w io.Writer, s Settings) (io.WriteCloser, error) {
		opts := []zstd.EOption{zstd.WithEncoderConcurrency(s.Workers)}
		if s.Level > 0 {
			opts = append(opts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(s.Level)))
		}
		return zstd.NewWriter(w, opts...)
	},
}

// xzDictCap maps an xz preset level to the dictionary size xz(1) uses for
// it. A negative level selects the xz default preset 6. Extreme moves one
// preset up, since the codec has no separate extreme mode.
func xzDictCap(level int, extreme bool) int {
	caps := []int{256 << 10, 1 << 20, 2 << 20, 4 << 20, 4 << 20, 8 << 20, 8 << 20, 16 << 20, 32 << 20, 64 << 20}
	if level < 0 || level >= len(caps) {
		level = 6
	}
	if extreme && level < len(caps)-1 {
		level++
	}
	return caps[level]
}

func compressStream(w io.Writer, r io.Reader, enc encoder, s Settings) error {
	zw, err := enc(w, s)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, r); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func optionsLabel(opts string) string {
	if opts == "" {
		return "defaults"
	}
	return opts
}

func newBar(total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(15),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}

// ctxReader stops reading once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type countWriter struct{ n int64 }

func (c *countWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
