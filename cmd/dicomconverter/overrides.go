package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Jengaup/dicom-converter/pkg/config"
)

// applyOverrides copies the pipeline flags the user set onto cfg and
// validates the result, so bad values stop the run before any file is read.
// set maps flag names to their raw values.
func applyOverrides(cfg *config.Config, set map[string]string) error {
	p := &cfg.Pipeline
	for name, raw := range set {
		var err error
		switch name {
		case "budget":
			p.MaxDimensionBudget, err = strconv.Atoi(raw)
		case "cores":
			p.Workers, err = strconv.Atoi(raw)
		case "simplify":
			p.SimplificationTarget, err = strconv.ParseFloat(raw, 64)
		case "smooth":
			p.SmoothingIterations, err = strconv.Atoi(raw)
		case "thresholds":
			p.Thresholds, err = parseThresholds(raw)
		}
		if err != nil {
			return fmt.Errorf("-%s: %w", name, err)
		}
	}
	return cfg.Validate()
}

func parseThresholds(raw string) ([]float64, error) {
	var out []float64
	for _, field := range strings.Split(raw, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
