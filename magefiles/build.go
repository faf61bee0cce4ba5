//go:build mage

package main

import (
	"path/filepath"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

var commands = []string{"dicomconverter", "dicomserver"}

// Compiles both commands into ./bin.
func (Build) All() error {
	for _, name := range commands {
		out := filepath.Join("bin", name)
		if _, err := executeCmd("go", withArgs("build", "-o", out, "./cmd/"+name), withStream()); err != nil {
			return err
		}
	}
	return nil
}

// Runs go vet over every package.
func (Build) Vet() error {
	_, err := executeCmd("go", withArgs("vet", "./..."), withStream())
	return err
}

// Resolves the DICOM parser to its current upstream commit and tidies go.mod.
func (Build) Deps() error {
	if _, err := executeCmd("go", withArgs("get", "github.com/GoogleCloudPlatform/go-dicom-parser@latest"), withStream()); err != nil {
		return err
	}
	_, err := executeCmd("go", withArgs("mod", "tidy"), withStream())
	return err
}
