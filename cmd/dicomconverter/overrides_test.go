package main

import (
	"testing"

	"github.com/Jengaup/dicom-converter/pkg/config"
)

func TestApplyOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	err := applyOverrides(cfg, map[string]string{
		"budget":     "64",
		"cores":      "3",
		"simplify":   "0.25",
		"smooth":     "0",
		"thresholds": "300, 120,",
	})
	if err != nil {
		t.Fatalf("applyOverrides failed: %v", err)
	}
	p := cfg.Pipeline
	if p.MaxDimensionBudget != 64 || p.Workers != 3 || p.SimplificationTarget != 0.25 || p.SmoothingIterations != 0 {
		t.Errorf("pipeline = %+v", p)
	}
	if len(p.Thresholds) != 2 || p.Thresholds[0] != 300 || p.Thresholds[1] != 120 {
		t.Errorf("thresholds = %v, want [300 120]", p.Thresholds)
	}
}

func TestApplyOverridesRejectsInvalid(t *testing.T) {
	tests := []map[string]string{
		{"simplify": "0"},
		{"simplify": "1"},
		{"smooth": "-1"},
		{"budget": "-4"},
		{"cores": "0"},
		{"thresholds": ""},
		{"thresholds": "150,abc"},
		{"budget": "many"},
	}
	for _, set := range tests {
		if err := applyOverrides(config.DefaultConfig(), set); err == nil {
			t.Errorf("applyOverrides(%v) accepted an invalid value", set)
		}
	}
}

func TestApplyOverridesKeepsUnset(t *testing.T) {
	cfg := config.DefaultConfig()
	want := cfg.Clone()
	if err := applyOverrides(cfg, map[string]string{"input": "scan.zip", "verbose": "true"}); err != nil {
		t.Fatalf("applyOverrides failed: %v", err)
	}
	if cfg.Pipeline.SimplificationTarget != want.Pipeline.SimplificationTarget ||
		cfg.Pipeline.MaxDimensionBudget != want.Pipeline.MaxDimensionBudget ||
		len(cfg.Pipeline.Thresholds) != len(want.Pipeline.Thresholds) {
		t.Errorf("unrelated flags changed the pipeline: %+v", cfg.Pipeline)
	}
}
