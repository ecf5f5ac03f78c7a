package compress

import (
	"bytes"
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"
)

// chunkSize is the uncompressed size of one independently compressed member.
var chunkSize = 16 << 20

// compressChunks splits r into chunkSize pieces, compresses up to s.Workers
// of them concurrently and writes the results to w in input order. Each
// piece is a complete gzip member or xz stream; both formats define a
// concatenation of those as one valid file.
func compressChunks(ctx context.Context, w io.Writer, r io.Reader, enc encoder, s Settings) error {
	in := make([][]byte, s.Workers)
	for i := range in {
		in[i] = make([]byte, chunkSize)
	}
	out := make([]bytes.Buffer, s.Workers)
	members := 0

	for {
		// Read the next batch.
		n := 0
		eof := false
		for n < s.Workers {
			m, err := io.ReadFull(r, in[n])
			if m > 0 {
				in[n] = in[n][:m]
				n++
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				eof = true
				break
			}
			if err != nil {
				return err
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < n; i++ {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				out[i].Reset()
				zw, err := enc(&out[i], s)
				if err != nil {
					return err
				}
				if _, err := zw.Write(in[i]); err != nil {
					zw.Close()
					return err
				}
				return zw.Close()
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		for i := 0; i < n; i++ {
			if _, err := w.Write(out[i].Bytes()); err != nil {
				return err
			}
			in[i] = in[i][:cap(in[i])]
			members++
		}
		if eof {
			if members == 0 {
				// Empty input still needs one valid member.
				return compressStream(w, bytes.NewReader(nil), enc, s)
			}
			return nil
		}
	}
}
