// Package expconfig loads, resolves, and persists experiment configurations.
//
// A configuration is read from a YAML file, validated, and then resolved:
// the run gets a unique name and result directory, a missing seed is drawn
// and recorded, and the fully resolved document is written back into the
// result directory so the run can be reproduced from the saved copy.
package expconfig

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNotFound indicates the configuration file does not exist.
	ErrNotFound = errors.New("expconfig: config file not found")
	// ErrInvalid indicates the configuration file exists but cannot be
	// parsed or is missing required keys.
	ErrInvalid = errors.New("expconfig: invalid config")
)

// SeedRange bounds randomly drawn seeds so they survive round-trips through
// runtimes that store seeds as 32-bit integers.
const SeedRange = 1 << 31

// ResolvedConfigName is the file name of the persisted resolved config.
const ResolvedConfigName = "config.yml"

// LensConfig selects the lens specification used to build the lens model.
type LensConfig struct {
	// Path to the lens specification JSON file.
	Path string `mapstructure:"path" yaml:"path"`
}

// TrainConfig carries the training-time options the initializers consume.
type TrainConfig struct {
	// ImgRes is the training image resolution as [width, height]. A scalar
	// value in the source file is expanded to a square resolution.
	ImgRes [2]int `mapstructure:"-" yaml:"img_res,flow"`
}

// NetworkConfig selects optional pretrained weights for the restoration network.
type NetworkConfig struct {
	// Pretrained is a path (or URL) to a weights snapshot; empty means
	// random initialization.
	Pretrained string `mapstructure:"pretrained" yaml:"pretrained"`
}

// Config is the experiment configuration. The Run* fields are populated by
// Resolve and are empty straight after Load.
type Config struct {
	Seed       *int64        `mapstructure:"seed" yaml:"seed"`
	ExpName    string        `mapstructure:"exp_name" yaml:"exp_name"`
	ResultsDir string        `mapstructure:"results_dir" yaml:"results_dir"`
	Lens       LensConfig    `mapstructure:"lens" yaml:"lens"`
	Train      TrainConfig   `mapstructure:"train" yaml:"train"`
	Network    NetworkConfig `mapstructure:"network" yaml:"network"`

	// Resolved at runtime, then persisted for reproducibility.
	RunName     string `mapstructure:"run_name" yaml:"run_name,omitempty"`
	RunDir      string `mapstructure:"run_dir" yaml:"run_dir,omitempty"`
	DeviceCount int    `mapstructure:"device_count" yaml:"device_count"`

	// raw holds the full document as loaded, including library-defined keys
	// this loader does not model. Save merges resolved values into it so
	// unknown keys round-trip (with lower-cased names; see Save).
	raw map[string]any
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exp_name", "experiment")
	v.SetDefault("results_dir", "./results")
	v.SetDefault("network.pretrained", "")
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("expconfig: stat %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	res, err := normalizeImgRes(v.Get("train.img_res"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	cfg.Train.ImgRes = res

	cfg.raw = v.AllSettings()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	return &cfg, nil
}

// normalizeImgRes accepts a scalar or a [w, h] pair and returns [w, h].
func normalizeImgRes(val any) ([2]int, error) {
	toInt := func(v any) (int, bool) {
		switch n := v.(type) {
		case int:
			return n, true
		case int64:
			return int(n), true
		case uint64:
			return int(n), true
		case float64:
			return int(n), true
		}
		return 0, false
	}

	switch v := val.(type) {
	case nil:
		return [2]int{}, errors.New("train.img_res is required")
	case []any:
		if len(v) != 2 {
			return [2]int{}, fmt.Errorf("train.img_res pair must have 2 entries, got %d", len(v))
		}
		w, okW := toInt(v[0])
		h, okH := toInt(v[1])
		if !okW || !okH {
			return [2]int{}, fmt.Errorf("train.img_res entries must be integers, got %v", v)
		}
		return [2]int{w, h}, nil
	default:
		n, ok := toInt(v)
		if !ok {
			return [2]int{}, fmt.Errorf("train.img_res must be an integer or pair, got %T", val)
		}
		return [2]int{n, n}, nil
	}
}

func (c *Config) validate() error {
	if c.Lens.Path == "" {
		return errors.New("lens.path is required")
	}
	if c.Train.ImgRes[0] <= 0 || c.Train.ImgRes[1] <= 0 {
		return fmt.Errorf("train.img_res must be positive, got %v", c.Train.ImgRes)
	}
	if c.Seed != nil && (*c.Seed < 0 || *c.Seed >= SeedRange) {
		return fmt.Errorf("seed %d out of range [0, %d)", *c.Seed, int64(SeedRange))
	}
	return nil
}

// Resolve assigns the run identity and seed, creates the result directory,
// and returns a deterministic RNG for the run. Resolve is idempotent with
// respect to an already-present seed: re-running from a saved config keeps it.
func (c *Config) Resolve(now time.Time) (*rand.Rand, error) {
	if c.Seed == nil {
		s := rand.Int63n(SeedRange)
		c.Seed = &s
	}

	if c.RunName == "" {
		c.RunName = runName(now, c.ExpName)
	}
	c.RunDir = filepath.Join(c.ResultsDir, c.RunName)
	if err := os.MkdirAll(c.RunDir, 0755); err != nil {
		return nil, fmt.Errorf("expconfig: create run dir %s: %w", c.RunDir, err)
	}

	return rand.New(rand.NewSource(*c.Seed)), nil
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// runName builds "<timestamp>-<label>-<random4>". The timestamp has second
// resolution; the suffix keeps concurrent invocations in the same second
// from colliding. Suffix entropy comes from a fresh UUID so it is independent
// of the experiment seed.
func runName(now time.Time, label string) string {
	label = sanitizeLabel(label)
	u := uuid.New()
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = suffixAlphabet[int(u[i])%len(suffixAlphabet)]
	}
	return fmt.Sprintf("%s-%s-%s", now.Format("20060102-150405"), label, suffix)
}

// sanitizeLabel keeps run names filesystem-safe.
func sanitizeLabel(label string) string {
	if label == "" {
		return "experiment"
	}
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Save writes the resolved configuration to dir as config.yml. Keys the
// loader does not model are carried over from the source file with their
// values intact; resolved values win on conflict. Key names are normalized
// to lower case on the way through, so a re-run reads the same settings
// even though mixed-case spellings do not survive literally.
func (c *Config) Save(dir string) (string, error) {
	doc := map[string]any{}
	for k, v := range c.raw {
		doc[k] = v
	}

	resolved, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("expconfig: marshal config: %w", err)
	}
	var overlay map[string]any
	if err := yaml.Unmarshal(resolved, &overlay); err != nil {
		return "", fmt.Errorf("expconfig: remap config: %w", err)
	}
	deepMerge(doc, overlay)

	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("expconfig: marshal merged config: %w", err)
	}

	path := filepath.Join(dir, ResolvedConfigName)
	if err := os.WriteFile(path, out, 0644); err != nil {
		return "", fmt.Errorf("expconfig: write %s: %w", path, err)
	}
	return path, nil
}

// deepMerge recursively overlays src onto dst, descending into maps so
// sibling keys in nested sections survive.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}
