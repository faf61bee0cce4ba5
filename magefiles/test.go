//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Test mg.Namespace

// Runs the whole test suite with the race detector.
func (Test) Unit() error {
	_, err := executeCmd("go", withArgs("test", "-race", "./..."), withStream())
	return err
}

// Runs the tests that finish in a few seconds.
func (Test) Short() error {
	_, err := executeCmd("go", withArgs("test", "-short", "./..."), withStream())
	return err
}

// Runs the extraction and simplification benchmarks.
func (Test) Bench() error {
	_, err := executeCmd("go", withArgs("test", "-run", "^$", "-bench", ".", "./pkg/isosurface", "./pkg/simplify"), withStream())
	return err
}
