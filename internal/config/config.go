package config

import (
	"errors"
	"fmt"

	"github.com/openWB/PiShrink/internal/compress"
)

const VERSION = "25.1.0"

// Options holds every setting of one shrink run. It is built once from
// flags and viper and handed to the orchestrator; components never read
// viper themselves.
type Options struct {
	ImagePath  string
	OutputPath string // "" shrinks ImagePath in place

	SkipAutoexpand bool
	Verbose        bool
	AdvancedRepair bool
	Prep           bool
	Force          bool // overwrite an existing output file

	Compress          compress.Tool // "" disables compression
	Parallel          bool
	CompressOverrides map[compress.Tool]string

	DebugLog    string // "" disables the structured debug log
	UpdateCheck bool
	UpdateURL   string
}

// Target returns the path the pipeline mutates: the output path when a copy
// is requested, else the image itself.
func (o Options) Target() string {
	if o.OutputPath != "" {
		return o.OutputPath
	}
	return o.ImagePath
}

// CopyRequested reports whether the image is copied before shrinking.
func (o Options) CopyRequested() bool {
	return o.OutputPath != "" && o.OutputPath != o.ImagePath
}

// ErrCompressionSettings marks a compression request that cannot be served.
var ErrCompressionSettings = errors.New("invalid compression settings")

// CompressSpec builds the compression request, or nil when compression is
// off.
func (o Options) CompressSpec() (*compress.Spec, error) {
	if o.Compress == "" {
		if o.Parallel {
			return nil, errors.New("parallel compression (-a) needs a compression tool (-z, -Z or --zstd)")
		}
		return nil, nil
	}
	spec, err := compress.NewSpec(o.Compress, o.Parallel, o.Verbose, o.CompressOverrides[o.Compress])
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate checks the options that do not depend on the filesystem.
func (o Options) Validate() error {
	if o.ImagePath == "" {
		return errors.New("no image given")
	}
	if _, err := o.CompressSpec(); err != nil {
		return fmt.Errorf("%w: %w", ErrCompressionSettings, err)
	}
	return nil
}
