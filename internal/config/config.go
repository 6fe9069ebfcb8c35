// internal/config/config.go
//
// This package loads pipeline.yaml, the one file that describes a run:
// which data to read, how many classes to fit, which variables play which
// role, and where the artifacts go. Relative paths inside the file are
// resolved against the directory that holds it, never the working
// directory.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// FileName is the conventional config file name.
const FileName = "pipeline.yaml"

const defaultConfigYAML = `# threestep pipeline configuration
title: latent class analysis with distal outcomes

engine:
  # Executable invoked as "<command> <input> <output>".
  command: mplus
  # Directory of recorded runs (<stage>.txtar) to replay instead.
  # replay: testdata/engine

# Artifacts for each run go to <output_dir>/<stage>/.
output_dir: out
log_level: info

data:
  file: data.csv
  # CSV cells read as missing, in addition to empty cells.
  na: ["NA", "."]
  # Value written for missing cells in engine data files.
  sentinel: 999

model:
  class_variable: c
  classes: 3
  # Reference class for the classification logits. 0 means the last class.
  reference: 0
  pseudo_class: n
  indicators: [u1, u2, u3, u4, u5]
  categorical: true
  covariates: [x1]
  distals: [d1, d2]

analysis:
  estimator: MLR
  starts: "500 100"
  processors: 4

stage1:
  output: [TECH11, TECH14]
  plot:
    type: PLOT3
    series: "u1-u5(*)"

# Largest allowed change in any class proportion between stage 1 and
# stage 2 before the inspection gate stops the run. 0 disables the check.
drift_tolerance: 0.05

bundle:
  # Globs (relative to output_dir) left out of run bundles.
  exclude: []
`

// Config models pipeline.yaml.
type Config struct {
	Title          string   `yaml:"title" validate:"required"`
	Engine         Engine   `yaml:"engine"`
	OutputDir      string   `yaml:"output_dir" validate:"required"`
	LogLevel       string   `yaml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	Data           Data     `yaml:"data"`
	Model          Model    `yaml:"model"`
	Analysis       Analysis `yaml:"analysis"`
	Stage1         Stage1   `yaml:"stage1"`
	DriftTolerance float64  `yaml:"drift_tolerance" validate:"gte=0,lte=1"`
	Bundle         Bundle   `yaml:"bundle"`

	// Dir is the directory the config was loaded from; Path the file.
	Dir  string `yaml:"-"`
	Path string `yaml:"-"`
}

// Engine selects how models are estimated.
type Engine struct {
	Command string `yaml:"command,omitempty"`
	Replay  string `yaml:"replay,omitempty"`
}

// Data points at the input dataset.
type Data struct {
	File     string   `yaml:"file" validate:"required"`
	NA       []string `yaml:"na,omitempty"`
	Sentinel *float64 `yaml:"sentinel,omitempty"`
}

// Model names the variables and the class structure.
type Model struct {
	ClassVariable string   `yaml:"class_variable" validate:"required,ident"`
	Classes       int      `yaml:"classes" validate:"gte=2"`
	Reference     int      `yaml:"reference" validate:"gte=0"`
	PseudoClass   string   `yaml:"pseudo_class" validate:"required,ident"`
	Indicators    []string `yaml:"indicators" validate:"required,min=1,dive,ident"`
	Categorical   bool     `yaml:"categorical"`
	Covariates    []string `yaml:"covariates,omitempty" validate:"dive,ident"`
	Distals       []string `yaml:"distals" validate:"required,min=1,dive,ident"`
}

// Analysis carries estimator options shared by every stage.
type Analysis struct {
	Estimator  string            `yaml:"estimator,omitempty"`
	Starts     string            `yaml:"starts,omitempty"`
	Processors int               `yaml:"processors,omitempty" validate:"gte=0"`
	Algorithm  string            `yaml:"algorithm,omitempty"`
	Extra      map[string]string `yaml:"extra,omitempty"`
}

// Stage1 holds requests specific to the enumeration model.
type Stage1 struct {
	Output []string `yaml:"output,omitempty"`
	Plot   *Plot    `yaml:"plot,omitempty"`
}

// Plot mirrors the engine's PLOT command.
type Plot struct {
	Type   string `yaml:"type" validate:"required"`
	Series string `yaml:"series,omitempty"`
}

// Bundle controls run archives.
type Bundle struct {
	Exclude []string `yaml:"exclude,omitempty"`
}

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,7}$`)

var validate = func() *validator.Validate {
	v := validator.New()
	// Engine variable names are at most 8 characters.
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identRe.MatchString(fl.Field().String())
	})
	return v
}()

// DefaultYAML returns the starter config written by "threestep init".
func DefaultYAML() string { return defaultConfigYAML }

// Default parses the starter config.
func Default() (*Config, error) {
	return Parse([]byte(defaultConfigYAML), ".")
}

// Load reads and validates the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(data, abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Path = filepath.Join(abs, filepath.Base(path))
	return cfg, nil
}

// Parse decodes and validates config text; dir anchors relative paths.
func Parse(data []byte, dir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.Dir = dir
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init writes the starter config into dir. An existing file is left alone.
func Init(dir string) (string, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config: %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return path, fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return path, fmt.Errorf("config: mkdir %s: %w", dir, err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return path, fmt.Errorf("config: write %s: %w", path, err)
	}
	return path, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}
	m := c.Model
	if m.Reference > m.Classes {
		return fmt.Errorf("config: reference class %d outside 1..%d", m.Reference, m.Classes)
	}
	if strings.EqualFold(m.ClassVariable, m.PseudoClass) {
		return fmt.Errorf("config: pseudo_class %q must differ from class_variable", m.PseudoClass)
	}
	seen := map[string]string{}
	roles := []struct {
		role string
		vars []string
	}{
		{"indicator", m.Indicators},
		{"covariate", m.Covariates},
		{"distal", m.Distals},
		{"pseudo_class", []string{m.PseudoClass}},
		{"class_variable", []string{m.ClassVariable}},
	}
	for _, r := range roles {
		for _, v := range r.vars {
			key := strings.ToLower(v)
			if prev, ok := seen[key]; ok {
				return fmt.Errorf("config: variable %q is both %s and %s", v, prev, r.role)
			}
			seen[key] = r.role
		}
	}
	return nil
}

// ReferenceClass returns the configured reference class, defaulting to K.
func (c *Config) ReferenceClass() int {
	if c.Model.Reference == 0 {
		return c.Model.Classes
	}
	return c.Model.Reference
}

// LatentColumn returns the saved-data column in which the engine reports
// each case's most likely class. It carries the class variable's name.
func (c *Config) LatentColumn() string {
	return strings.ToUpper(c.Model.ClassVariable)
}

// Sentinel returns the missing-value code for engine data files.
func (c *Config) Sentinel() float64 {
	if c.Data.Sentinel != nil {
		return *c.Data.Sentinel
	}
	return 999
}

// Resolve anchors p at the config directory unless it is absolute.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Dir, p)
}

// DataPath returns the resolved input data file.
func (c *Config) DataPath() string { return c.Resolve(c.Data.File) }

// OutputPath returns the resolved output directory.
func (c *Config) OutputPath() string { return c.Resolve(c.OutputDir) }

// ReplayPath returns the resolved replay directory, or "".
func (c *Config) ReplayPath() string { return c.Resolve(c.Engine.Replay) }

// Excluded reports whether rel (slash-separated, relative to the output
// directory) matches a bundle exclude glob.
//
// "prefix/**" matches the prefix directory itself and every path beneath
// it. All other patterns use path.Match semantics.
func (c *Config) Excluded(rel string) bool {
	for _, pattern := range c.Bundle.Exclude {
		if matchGlob(strings.TrimPrefix(pattern, "./"), rel) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, path string) bool {
	if strings.HasSuffix(pattern, "/**") {
		prefix := strings.TrimSuffix(pattern, "/**")
		return path == prefix || strings.HasPrefix(path, prefix+"/")
	}
	matched, _ := filepath.Match(pattern, path)
	return matched
}
