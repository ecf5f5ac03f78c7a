package compress

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Tool names a compression format.
type Tool string

// Supported tools.
const (
	Gzip Tool = "gzip"
	Xz   Tool = "xz"
	Zstd Tool = "zstd"
)

// Tools lists every supported tool in help order.
var Tools = []Tool{Gzip, Xz, Zstd}

// ParseTool validates a tool name.
func ParseTool(name string) (Tool, error) {
	for _, t := range Tools {
		if string(t) == strings.ToLower(strings.TrimSpace(name)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("unsupported compression tool %q (use gzip, xz or zstd)", name)
}

// Extension returns the file extension the tool produces, without the dot.
func (t Tool) Extension() string {
	switch t {
	case Gzip:
		return "gz"
	case Xz:
		return "xz"
	case Zstd:
		return "zst"
	}
	return ""
}

// parallelDefaults are used in parallel mode when no override is set.
var parallelDefaults = map[Tool]string{
	Gzip: "-9 -T0",
	Xz:   "-T0",
	Zstd: "-T0",
}

// levelRange is the accepted -N range per tool.
var levelRange = map[Tool][2]int{
	Gzip: {1, 9},
	Xz:   {0, 9},
	Zstd: {1, 19},
}

// ResolveOptions picks the option string for tool: the override when set,
// else the parallel defaults in parallel mode, else nothing. "-v" is
// appended last when verbose.
func ResolveOptions(tool Tool, parallel, verbose bool, override string) string {
	opts := strings.TrimSpace(override)
	if opts == "" && parallel {
		opts = parallelDefaults[tool]
	}
	if verbose {
		opts = strings.TrimSpace(opts + " -v")
	}
	return opts
}

// Spec is a validated compression request, built once from configuration.
type Spec struct {
	Tool      Tool
	Parallel  bool
	Options   string
	Verbose   bool
	Extension string
}

// NewSpec resolves and validates the options for tool.
func NewSpec(tool Tool, parallel, verbose bool, override string) (Spec, error) {
	if tool.Extension() == "" {
		return Spec{}, fmt.Errorf("unsupported compression tool %q", tool)
	}
	spec := Spec{
		Tool:      tool,
		Parallel:  parallel,
		Options:   ResolveOptions(tool, parallel, verbose, override),
		Verbose:   verbose,
		Extension: tool.Extension(),
	}
	if _, err := ParseOptions(tool, spec.Options); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// Settings is the parsed form of an option string.
type Settings struct {
	Level   int // -1 means the codec default
	Workers int // >= 1
	Verbose bool
	Extreme bool // xz -e
	// Ignored lists options that were understood but have no in-process
	// equivalent, or that were not recognised at all.
	Ignored []string
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// ParseOptions parses the command-line style options understood for tool.
//
// Short options may be combined the way gzip, xz and zstd accept them
// (-9e, -f9, -T0). Recognised: -N level, -T N / -TN / --threads=N worker
// count (0 = all CPUs), -v/--verbose, -e/--extreme (xz), --ultra (zstd
// levels up to 22), --best and --fast. Options with no in-process meaning
// and unknown dashed options end up in Settings.Ignored. Levels outside the
// tool's range are clamped. Only malformed thread counts and words that are
// not options at all are errors.
func ParseOptions(tool Tool, opts string) (Settings, error) {
	s := Settings{Level: -1, Workers: 1}
	ultra := false
	tokens := strings.Fields(opts)
	next := func(i *int, flag string) (string, error) {
		if *i+1 >= len(tokens) {
			return "", fmt.Errorf("%s: %s needs a thread count", tool, flag)
		}
		*i++
		return tokens[*i], nil
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		switch {
		case strings.HasPrefix(tok, "--"):
			name, value, hasValue := strings.Cut(tok[2:], "=")
			switch name {
			case "verbose":
				s.Verbose = true
			case "best":
				s.Level = levelRange[tool][1]
			case "fast":
				s.Level = levelRange[tool][0]
			case "extreme":
				s.Extreme = true
			case "ultra":
				ultra = true
			case "threads":
				if !hasValue {
					v, err := next(&i, tok)
					if err != nil {
						return Settings{}, err
					}
					value = v
				}
				n, err := parseWorkers(value)
				if err != nil {
					return Settings{}, fmt.Errorf("%s: %w", tool, err)
				}
				s.Workers = n
			default:
				s.Ignored = append(s.Ignored, tok)
			}

		case len(tok) > 1 && tok[0] == '-':
			if err := parseShort(tool, &s, tok[1:], func() (string, error) { return next(&i, "-T") }); err != nil {
				return Settings{}, err
			}

		default:
			return Settings{}, fmt.Errorf("%s: unsupported option %q", tool, tok)
		}
	}

	if s.Extreme && tool != Xz {
		s.Extreme = false
		s.Ignored = append(s.Ignored, "-e")
	}
	if s.Level >= 0 {
		lo, hi := levelRange[tool][0], levelRange[tool][1]
		if tool == Zstd && ultra {
			hi = zstdUltraMax
		}
		if s.Level < lo || s.Level > hi {
			s.Ignored = append(s.Ignored, fmt.Sprintf("-%d (using -%d)", s.Level, min(max(s.Level, lo), hi)))
			s.Level = min(max(s.Level, lo), hi)
		}
	}
	return s, nil
}

// zstdUltraMax is the highest zstd level, reachable with --ultra.
const zstdUltraMax = 22

// parseShort handles one cluster of short options without its leading dash.
func parseShort(tool Tool, s *Settings, cluster string, nextToken func() (string, error)) error {
	for j := 0; j < len(cluster); j++ {
		c := cluster[j]
		switch {
		case isDigit(c):
			k := j
			for k < len(cluster) && isDigit(cluster[k]) {
				k++
			}
			lvl, _ := strconv.Atoi(cluster[j:k])
			s.Level = lvl
			j = k - 1
		case c == 'v':
			s.Verbose = true
		case c == 'e':
			s.Extreme = true
		case c == 'T':
			value := cluster[j+1:]
			if value == "" {
				v, err := nextToken()
				if err != nil {
					return err
				}
				value = v
			}
			n, err := parseWorkers(value)
			if err != nil {
				return fmt.Errorf("%s: %w", tool, err)
			}
			s.Workers = n
			return nil
		case c == 'f' || c == 'k':
			// Output handling is fixed: the input is replaced by the archive.
		default:
			s.Ignored = append(s.Ignored, "-"+string(c))
		}
	}
	return nil
}

func parseWorkers(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid thread count %q", v)
	}
	if n == 0 {
		n = runtime.NumCPU()
	}
	return n, nil
}
