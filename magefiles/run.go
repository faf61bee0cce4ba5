//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Starts the conversion server, using $DICOM_CONFIG when set.
func (Run) Server() error {
	mg.Deps(Build.All)
	args := []string{}
	if path := os.Getenv("DICOM_CONFIG"); path != "" {
		args = append(args, "-config", path)
	}
	fmt.Println("Run server...")
	_, err := executeCmd("bin/dicomserver", withArgs(args...), withStream())
	return err
}

// Converts $DICOM_INPUT into $DICOM_OUTPUT (default output.glb).
func (Run) Convert() error {
	mg.Deps(Build.All)
	input := os.Getenv("DICOM_INPUT")
	if input == "" {
		return fmt.Errorf("DICOM_INPUT is not set")
	}
	output := os.Getenv("DICOM_OUTPUT")
	if output == "" {
		output = "output.glb"
	}
	_, err := executeCmd("bin/dicomconverter", withArgs("-input", input, "-output", output, "-verbose"),
		withStream(), withEnv("NO_COLOR=1"))
	return err
}
