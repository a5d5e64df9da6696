package expconfig

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
seed: null
exp_name: demo
lens:
  path: lenses/demo.json
train:
  img_res: 256
network:
  pretrained: null
`

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Seed != nil {
		t.Errorf("Seed = %v; want nil", *cfg.Seed)
	}
	if cfg.ExpName != "demo" {
		t.Errorf("ExpName = %q; want %q", cfg.ExpName, "demo")
	}
	if cfg.Lens.Path != "lenses/demo.json" {
		t.Errorf("Lens.Path = %q; want %q", cfg.Lens.Path, "lenses/demo.json")
	}
	if cfg.Train.ImgRes != [2]int{256, 256} {
		t.Errorf("Train.ImgRes = %v; want [256 256]", cfg.Train.ImgRes)
	}
	if cfg.Network.Pretrained != "" {
		t.Errorf("Network.Pretrained = %q; want empty", cfg.Network.Pretrained)
	}
	if cfg.ResultsDir != "./results" {
		t.Errorf("ResultsDir = %q; want default ./results", cfg.ResultsDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load() error = %v; want ErrNotFound", err)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed yaml", "lens: [unclosed"},
		{"missing lens path", "train:\n  img_res: 256\n"},
		{"missing img_res", "lens:\n  path: a.json\n"},
		{"zero img_res", "lens:\n  path: a.json\ntrain:\n  img_res: 0\n"},
		{"bad img_res pair", "lens:\n  path: a.json\ntrain:\n  img_res: [1, 2, 3]\n"},
		{"seed out of range", "seed: -1\nlens:\n  path: a.json\ntrain:\n  img_res: 128\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Load() error = %v; want ErrInvalid", err)
			}
		})
	}
}

func TestLoadImgResPair(t *testing.T) {
	body := "lens:\n  path: a.json\ntrain:\n  img_res: [640, 480]\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Train.ImgRes != [2]int{640, 480} {
		t.Errorf("Train.ImgRes = %v; want [640 480]", cfg.Train.ImgRes)
	}
}

func TestResolveAssignsSeed(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.ResultsDir = t.TempDir()

	if _, err := cfg.Resolve(time.Now()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if cfg.Seed == nil {
		t.Fatal("Resolve() left Seed nil")
	}
	if *cfg.Seed < 0 || *cfg.Seed >= SeedRange {
		t.Errorf("Seed = %d; want in [0, %d)", *cfg.Seed, int64(SeedRange))
	}
	if cfg.RunDir == "" {
		t.Fatal("Resolve() left RunDir empty")
	}
	if _, err := os.Stat(cfg.RunDir); err != nil {
		t.Errorf("run dir not created: %v", err)
	}
}

func TestResolveKeepsExistingSeed(t *testing.T) {
	body := "seed: 1234\nexp_name: demo\nlens:\n  path: a.json\ntrain:\n  img_res: 128\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.ResultsDir = t.TempDir()

	if _, err := cfg.Resolve(time.Now()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cfg.Seed == nil || *cfg.Seed != 1234 {
		t.Errorf("Seed = %v; want 1234 preserved", cfg.Seed)
	}
}

func TestRunNameFormat(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	name := runName(now, "demo lens")

	parts := strings.Split(name, "-")
	if len(parts) != 4 {
		t.Fatalf("run name %q should have 4 dash-separated parts", name)
	}
	if parts[0] != "20260314" || parts[1] != "092653" {
		t.Errorf("run name %q should start with the timestamp", name)
	}
	if parts[2] != "demo_lens" {
		t.Errorf("label part = %q; want sanitized %q", parts[2], "demo_lens")
	}
	if len(parts[3]) != 4 {
		t.Errorf("suffix = %q; want 4 characters", parts[3])
	}
}

func TestRunNameUniqueness(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		name := runName(now, "x")
		if seen[name] {
			t.Fatalf("duplicate run name %q after %d draws", name, i)
		}
		seen[name] = true
	}
}

func TestSaveRoundTripsSeed(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.ResultsDir = t.TempDir()
	if _, err := cfg.Resolve(time.Now()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	path, err := cfg.Save(cfg.RunDir)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Re-running from the saved config must reproduce the same seed.
	saved, err := Load(path)
	if err != nil {
		t.Fatalf("Load(saved) error = %v", err)
	}
	if saved.Seed == nil {
		t.Fatal("saved config has null seed")
	}
	if *saved.Seed != *cfg.Seed {
		t.Errorf("saved seed = %d; want %d", *saved.Seed, *cfg.Seed)
	}
}

func TestSavePreservesUnknownKeys(t *testing.T) {
	body := validConfig + "optics_sim:\n  spp: 64\n  wavelengths: 3\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.ResultsDir = t.TempDir()
	if _, err := cfg.Resolve(time.Now()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	path, err := cfg.Save(cfg.RunDir)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse saved config: %v", err)
	}

	sim, ok := doc["optics_sim"].(map[string]any)
	if !ok {
		t.Fatalf("saved config lost optics_sim section: %v", doc)
	}
	if sim["spp"] != 64 {
		t.Errorf("optics_sim.spp = %v; want 64", sim["spp"])
	}
}

func TestSaveNormalizesUnknownKeyCase(t *testing.T) {
	body := validConfig + "OpticsSim:\n  SPP: 64\n"
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.ResultsDir = t.TempDir()
	if _, err := cfg.Resolve(time.Now()); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	path, err := cfg.Save(cfg.RunDir)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("parse saved config: %v", err)
	}

	// Mixed-case spellings are carried over lower-cased, values intact.
	sim, ok := doc["opticssim"].(map[string]any)
	if !ok {
		t.Fatalf("saved config lost the OpticsSim section: %v", doc)
	}
	if sim["spp"] != 64 {
		t.Errorf("opticssim.spp = %v; want 64", sim["spp"])
	}
	if _, exists := doc["OpticsSim"]; exists {
		t.Error("saved config kept the mixed-case key alongside the normalized one")
	}
}

func TestResolveDeterministicRNG(t *testing.T) {
	seed := int64(77)
	a := &Config{Seed: &seed, ExpName: "a", ResultsDir: t.TempDir(),
		Lens: LensConfig{Path: "a.json"}, Train: TrainConfig{ImgRes: [2]int{64, 64}}}
	b := &Config{Seed: &seed, ExpName: "b", ResultsDir: t.TempDir(),
		Lens: LensConfig{Path: "a.json"}, Train: TrainConfig{ImgRes: [2]int{64, 64}}}

	rngA, err := a.Resolve(time.Now())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	rngB, err := b.Resolve(time.Now())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	for i := 0; i < 16; i++ {
		if va, vb := rngA.Int63(), rngB.Int63(); va != vb {
			t.Fatalf("RNG diverged at draw %d: %d != %d", i, va, vb)
		}
	}
}
