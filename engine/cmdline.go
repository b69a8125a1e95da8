package engine

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/luco2018/yask/types/errkind"
	"github.com/luco2018/yask/types/indices"
)

// tokenizeArgs splits an option string on whitespace, honoring double quotes.
func tokenizeArgs(argString string) []string {
	var args []string
	var cur strings.Builder
	inQuotes := false
	flush := func() {
		if cur.Len() > 0 {
			args = append(args, cur.String())
			cur.Reset()
		}
	}
	for _, c := range argString {
		switch {
		case c == '"':
			if inQuotes {
				flush()
			}
			inQuotes = !inQuotes
		case unicode.IsSpace(c) && !inQuotes:
			flush()
		default:
			cur.WriteRune(c)
		}
	}
	flush()
	return args
}

// option is one recognized command-line option.
type option struct {
	name string
	// wantsVal: the option consumes one integer argument.
	wantsVal bool
	// set applies the value (or true/false for boolean options).
	set func(val int64, boolVal bool) error
}

// optionTable builds the recognized options against the given settings.
// Multi-index options come in two forms: "-block_size 32" sets every domain
// dim, "-block_size_x 32" sets one.
func optionTable(s *Settings) []option {
	var opts []option

	addIdx := func(name string, set func(v int64) error) {
		opts = append(opts, option{name: name, wantsVal: true,
			set: func(v int64, _ bool) error { return set(v) }})
	}
	addBool := func(name string, set func(b bool)) {
		opts = append(opts, option{name: name,
			set: func(_ int64, b bool) error { set(b); return nil }})
		opts = append(opts, option{name: "no-" + name,
			set: func(_ int64, b bool) error { set(!b); return nil }})
	}
	addMulti := func(name string, tuple *indices.Tuple, minVal int64) {
		addIdx(name, func(v int64) error {
			if v < minVal {
				return errkind.Errorf(errkind.ConfigInvalid, "-%s %d: value must be >= %d", name, v, minVal)
			}
			for i := 0; i < tuple.NumDims(); i++ {
				tuple.SetAt(i, v)
			}
			return nil
		})
		for i := 0; i < tuple.NumDims(); i++ {
			i := i
			addIdx(name+"_"+tuple.DimName(i), func(v int64) error {
				if v < minVal {
					return errkind.Errorf(errkind.ConfigInvalid, "-%s %d: value must be >= %d", name, v, minVal)
				}
				tuple.SetAt(i, v)
				return nil
			})
		}
	}

	addMulti("rank_domain_size", &s.RankDomainSize, 1)
	addMulti("region_size", &s.RegionSize, 0)
	addMulti("block_size", &s.BlockSize, 0)
	addMulti("sub_block_size", &s.SubBlockSize, 0)
	addMulti("min_pad_size", &s.MinPadSize, 0)
	addMulti("num_ranks", &s.NumRanks, 1)

	addIdx("wave_front_depth", func(v int64) error {
		if v < 1 {
			return errkind.Errorf(errkind.ConfigInvalid, "-wave_front_depth %d: depth must be >= 1", v)
		}
		s.WaveFrontDepth = v
		return nil
	})
	addIdx("step_alloc", func(v int64) error { s.StepAlloc = v; return nil })
	addIdx("fold_len", func(v int64) error {
		if v < 1 {
			return errkind.Errorf(errkind.ConfigInvalid, "-fold_len %d: must be >= 1", v)
		}
		s.FoldLen = v
		return nil
	})
	addIdx("cluster_len", func(v int64) error { s.ClusterLen = max(v, 1); return nil })
	addIdx("elem_bytes", func(v int64) error {
		if v != 4 && v != 8 {
			return errkind.Errorf(errkind.ConfigInvalid, "-elem_bytes %d: must be 4 or 8", v)
		}
		s.ElemBytes = int(v)
		return nil
	})
	addIdx("max_threads", func(v int64) error { s.MaxThreads = int(v); return nil })
	addIdx("thread_divisor", func(v int64) error { s.ThreadDivisor = int(max(v, 1)); return nil })
	addIdx("block_threads", func(v int64) error { s.NumBlockThreads = int(max(v, 1)); return nil })
	addIdx("numa_pref", func(v int64) error { s.NumaPref = int(v); return nil })

	addBool("halo_exchange", func(b bool) { s.EnableHaloExchange = b })
	addBool("vec_exchange", func(b bool) { s.AllowVecExchange = b })
	addBool("check_bounds", func(b bool) { s.CheckBounds = b })
	addBool("auto_tune", func(b bool) { s.TunerEnabled = b })
	addBool("at_verbose", func(b bool) { s.TunerVerbose = b })

	addIdx("at_warmup_steps", func(v int64) error { s.Tuner.WarmupSteps = v; return nil })
	addIdx("at_min_steps", func(v int64) error { s.Tuner.MinSteps = v; return nil })
	addIdx("at_min_step", func(v int64) error { s.Tuner.MinStep = max(v, 1); return nil })
	addIdx("at_max_radius", func(v int64) error { s.Tuner.MaxRadius = max(v, 1); return nil })
	addIdx("at_min_pts", func(v int64) error { s.Tuner.MinPts = v; return nil })
	addIdx("at_min_blks", func(v int64) error { s.Tuner.MinBlks = v; return nil })

	return opts
}

// ApplyCommandLineOptions parses args, applies every recognized option to the
// solution's settings and returns the unrecognized remainder unmodified,
// joined by single spaces.
func (sol *Solution) ApplyCommandLineOptions(argString string) (string, error) {
	args := tokenizeArgs(argString)
	opts := optionTable(sol.opts)
	var unused []string

	for i := 0; i < len(args); {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			unused = append(unused, arg)
			i++
			continue
		}
		name := arg[1:]
		var matched *option
		for oi := range opts {
			if opts[oi].name == name {
				matched = &opts[oi]
				break
			}
		}
		if matched == nil {
			unused = append(unused, arg)
			i++
			continue
		}
		if !matched.wantsVal {
			if err := matched.set(0, true); err != nil {
				return "", err
			}
			i++
			continue
		}
		if i+1 >= len(args) {
			return "", errkind.Errorf(errkind.ConfigInvalid, "no argument for option '%s'", arg)
		}
		v, err := strconv.ParseInt(args[i+1], 0, 64)
		if err != nil {
			return "", errkind.Errorf(errkind.ConfigInvalid, "argument for option '%s' is not an integer: %q", arg, args[i+1])
		}
		if err := matched.set(v, false); err != nil {
			return "", err
		}
		i += 2
	}
	return strings.Join(unused, " "), nil
}
