package pipeline

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ChuLiYu/imgpipe/pkg/types"
)

// TokenSize is replaced by a derivative's size when its job is built.
const TokenSize = "{size}"

// KduOptions are the kdu_compress options the archive has always used.
var KduOptions = []string{
	"-quiet",
	"-rate", "1.5",
	"Creversible=yes",
	"Clayers=1",
	"Clevels=7",
	"Cprecincts={256,256},{256,256},{128,128}",
	"Corder=RPCL",
	"ORGgen_plt=yes",
	"ORGtparts=R",
	"Cblk={64,64}",
	"Cuse_sop=yes",
}

// StageConfig configures one conversion stage.
type StageConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Command    types.Command `yaml:"command"`
	Extensions []string      `yaml:"extensions"` // input extensions, leading dot
	OutputExt  string        `yaml:"output_ext"` // stage 1 only
}

// Config describes one run.
type Config struct {
	Source         string             `yaml:"source"`
	Destination    string             `yaml:"destination"`
	QuarantineName string             `yaml:"quarantine_name"`
	Workers        int                `yaml:"workers"`
	Raw            StageConfig        `yaml:"tif_to_jp2"`
	Derivative     StageConfig        `yaml:"jp2_to_jpeg"`
	Derivatives    []types.Derivative `yaml:"derivatives"`
	PruneEmpty     bool               `yaml:"prune_empty"`
}

// DefaultConfig returns the legacy converter's settings without roots.
func DefaultConfig() Config {
	return Config{
		QuarantineName: "_broken",
		Workers:        12,
		Raw: StageConfig{
			Enabled: true,
			Command: types.Command{
				Program: "kdu_compress",
				Args:    append([]string{"-i", types.TokenInput, "-o", types.TokenOutput}, KduOptions...),
			},
			Extensions: []string{".tif"},
			OutputExt:  ".jp2",
		},
		Derivative: StageConfig{
			Enabled: true,
			Command: types.Command{
				Program: "convert",
				Args:    []string{"-size", TokenSize, types.TokenInput, "-resize", TokenSize, types.TokenOutput},
			},
			Extensions: []string{".jp2"},
		},
		Derivatives: []types.Derivative{
			{Suffix: "half.jpg", Size: "1500x2100"},
			{Suffix: "quarter.jpg", Size: "1200x1500"},
			{Suffix: "thumb.jpg", Size: "200x200"},
		},
		PruneEmpty: true,
	}
}

var sizePattern = regexp.MustCompile(`^[0-9]+x[0-9]+$`)

// Validate checks the config for values a run cannot start with.
func (c Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Source) == "" {
		problems = append(problems, "source is required")
	}
	if strings.TrimSpace(c.Destination) == "" {
		problems = append(problems, "destination is required")
	}
	if c.Workers <= 0 {
		problems = append(problems, "workers must be positive")
	}
	if c.QuarantineName == "" || c.QuarantineName == "." || c.QuarantineName == ".." ||
		strings.ContainsRune(c.QuarantineName, filepath.Separator) {
		problems = append(problems, fmt.Sprintf("quarantine name %q must be a single path segment", c.QuarantineName))
	}
	for _, sc := range []struct {
		name  types.StageName
		stage StageConfig
	}{{types.StageRaw, c.Raw}, {types.StageDerivative, c.Derivative}} {
		name, stage := sc.name, sc.stage
		if !stage.Enabled {
			continue
		}
		if stage.Command.Program == "" {
			problems = append(problems, fmt.Sprintf("%s: command program is required", name))
		}
		if len(stage.Extensions) == 0 {
			problems = append(problems, fmt.Sprintf("%s: at least one extension is required", name))
		}
	}
	if c.Raw.Enabled && c.Raw.OutputExt == "" {
		problems = append(problems, fmt.Sprintf("%s: output_ext is required", types.StageRaw))
	}
	if c.Derivative.Enabled {
		if len(c.Derivatives) == 0 {
			problems = append(problems, "at least one derivative is required")
		}
		for _, d := range c.Derivatives {
			if d.Suffix == "" || strings.ContainsRune(d.Suffix, filepath.Separator) {
				problems = append(problems, fmt.Sprintf("derivative suffix %q is invalid", d.Suffix))
			}
			if !sizePattern.MatchString(d.Size) {
				problems = append(problems, fmt.Sprintf("derivative size %q must be WxH", d.Size))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Tools returns the programs the enabled stages need, in stage order.
func (c Config) Tools() []string {
	var tools []string
	if c.Raw.Enabled {
		tools = append(tools, c.Raw.Command.Program)
	}
	if c.Derivative.Enabled && (len(tools) == 0 || tools[0] != c.Derivative.Command.Program) {
		tools = append(tools, c.Derivative.Command.Program)
	}
	return tools
}
