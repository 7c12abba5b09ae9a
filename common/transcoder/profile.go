package transcoder

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
)

// ProfileRule selects encoder overrides when its CEL condition holds.
// The condition sees size, width, height, duration, mime and category.
type ProfileRule struct {
	Name      string
	When      string
	Overrides map[string]string
}

// Facts are the source attributes a profile condition is evaluated against
type Facts struct {
	Category        Category
	Mime            string
	Size            int64
	Width           int
	Height          int
	DurationSeconds float64
}

type compiledRule struct {
	ProfileRule
	prg cel.Program
}

// Profiles evaluates profile rules in order; later matches override earlier
// ones.
type Profiles struct {
	rules []compiledRule
}

// NewProfiles compiles every rule up front so a bad expression fails at
// startup rather than on the first upload.
func NewProfiles(rules []ProfileRule) (*Profiles, error) {
	env, err := cel.NewEnv(
		cel.Variable("size", cel.IntType),
		cel.Variable("width", cel.IntType),
		cel.Variable("height", cel.IntType),
		cel.Variable("duration", cel.DoubleType),
		cel.Variable("mime", cel.StringType),
		cel.Variable("category", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	p := &Profiles{}
	for _, r := range rules {
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("profile %q: CEL compilation error: %w", r.Name, issues.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("profile %q: condition must return bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("profile %q: failed to create CEL program: %w", r.Name, err)
		}
		for key, val := range r.Overrides {
			if err := applyOverride(&Options{}, key, val); err != nil {
				return nil, fmt.Errorf("profile %q: %w", r.Name, err)
			}
		}
		p.rules = append(p.rules, compiledRule{ProfileRule: r, prg: prg})
	}
	return p, nil
}

// Len returns the number of rules
func (p *Profiles) Len() int {
	if p == nil {
		return 0
	}
	return len(p.rules)
}

// Apply evaluates every rule against facts and layers the overrides of
// matching rules onto opts. It returns the adjusted options and the names
// of the rules that matched.
func (p *Profiles) Apply(facts Facts, opts Options) (Options, []string, error) {
	if p == nil || len(p.rules) == 0 {
		return opts, nil, nil
	}

	vars := map[string]interface{}{
		"size":     facts.Size,
		"width":    int64(facts.Width),
		"height":   int64(facts.Height),
		"duration": facts.DurationSeconds,
		"mime":     facts.Mime,
		"category": string(facts.Category),
	}

	var matched []string
	for _, r := range p.rules {
		out, _, err := r.prg.Eval(vars)
		if err != nil {
			return opts, matched, fmt.Errorf("profile %q: CEL evaluation error: %w", r.Name, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return opts, matched, fmt.Errorf("profile %q: condition did not return boolean, got %T", r.Name, out.Value())
		}
		if !ok {
			continue
		}
		for key, val := range r.Overrides {
			if err := applyOverride(&opts, key, val); err != nil {
				return opts, matched, fmt.Errorf("profile %q: %w", r.Name, err)
			}
		}
		matched = append(matched, r.Name)
	}
	return opts, matched, nil
}

func applyOverride(opts *Options, key, val string) error {
	atoi := func(dst *int) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("override %s: %q is not an integer", key, val)
		}
		*dst = n
		return nil
	}
	parseBool := func(dst *bool) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("override %s: %q is not a boolean", key, val)
		}
		*dst = b
		return nil
	}

	switch strings.ToLower(key) {
	case "max_width":
		return atoi(&opts.MaxWidth)
	case "max_height":
		return atoi(&opts.MaxHeight)
	case "quality":
		return atoi(&opts.Quality)
	case "crf":
		return atoi(&opts.CRF)
	case "thumbnails":
		return atoi(&opts.Thumbnails)
	case "preset":
		opts.Preset = val
	case "codec":
		opts.Codec = val
	case "audio_codec":
		opts.AudioCodec = val
	case "audio_bitrate":
		opts.AudioBitrate = val
	case "normalize":
		return parseBool(&opts.Normalize)
	case "strip_metadata":
		return parseBool(&opts.StripMetadata)
	default:
		return fmt.Errorf("unknown override %q", key)
	}
	return nil
}
