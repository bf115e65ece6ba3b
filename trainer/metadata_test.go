package trainer

import (
	"path/filepath"
	"testing"
)

func TestMetadataRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFile)
	want := RunMetadata{
		Architecture: "resnet50",
		NumClasses:   1000,
		Epoch:        42,
		BestAccuracy: 76.31,
	}
	if err := want.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadMetadata(path)
	if err != nil {
		t.Fatalf("LoadMetadata: %v", err)
	}
	if got != want {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestLoadMetadataMissingFile(t *testing.T) {
	if _, err := LoadMetadata(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing metadata file")
	}
}

func TestRunMetadataCarriesNumClasses(t *testing.T) {
	cfg := Config{Architecture: "resnet50", NumClasses: 1000}
	meta := cfg.runMetadata(7, 76.4)
	if meta.NumClasses != 1000 {
		t.Errorf("NumClasses = %d, want 1000", meta.NumClasses)
	}
	if meta.Architecture != "resnet50" || meta.Epoch != 7 || meta.BestAccuracy != 76.4 {
		t.Errorf("metadata = %+v", meta)
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()
	if cfg.Architecture != "resnet50" {
		t.Errorf("Architecture = %q, want resnet50", cfg.Architecture)
	}
	if cfg.LRStepEpochs != 30 || cfg.LRGamma != 0.1 {
		t.Errorf("LR schedule defaults = (%d, %g), want (30, 0.1)", cfg.LRStepEpochs, cfg.LRGamma)
	}
	if cfg.TargetAccuracy != 75.0 {
		t.Errorf("TargetAccuracy = %g, want 75", cfg.TargetAccuracy)
	}

	cfg = Config{Epochs: 5, LearningRate: 0.5}
	cfg.applyDefaults()
	if cfg.Epochs != 5 || cfg.LearningRate != 0.5 {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
}
