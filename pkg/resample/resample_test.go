package resample

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/Jengaup/dicom-converter/internal/models"
)

func TestFactorMinimal(t *testing.T) {
	for maxDim := 1; maxDim <= 600; maxDim++ {
		for _, budget := range []int{1, 7, 64, 128, 150, 512} {
			k := Factor(maxDim, budget)
			if ceilDiv(maxDim, k) > budget {
				t.Fatalf("Factor(%d, %d) = %d exceeds the budget", maxDim, budget, k)
			}
			if k > 1 && ceilDiv(maxDim, k-1) <= budget {
				t.Fatalf("Factor(%d, %d) = %d is not minimal", maxDim, budget, k)
			}
		}
	}
	if Factor(1000, 0) != 1 {
		t.Error("a zero budget must disable decimation")
	}
}

func TestDecimateIdentity(t *testing.T) {
	vol := models.NewVolumeDataset(100, 80, 60)
	out, k, err := Decimate(vol, 128)
	if err != nil {
		t.Fatalf("Decimate failed: %v", err)
	}
	if k != 1 || out != vol {
		t.Errorf("volume within budget was copied (k=%d, same=%v)", k, out == vol)
	}
}

func TestDecimate(t *testing.T) {
	vol := models.NewVolumeDataset(300, 200, 100)
	vol.Spacing = models.Vec3{X: 0.5, Y: 0.5, Z: 2}
	vol.Origin = models.Vec3{X: -10, Y: 5, Z: 3}
	for z := 0; z < vol.Depth; z++ {
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				vol.Set(x, y, z, float32(x+1000*y+1000000*z))
			}
		}
	}
	before := append([]float32(nil), vol.Data...)

	out, k, err := Decimate(vol, 128)
	if err != nil {
		t.Fatalf("Decimate failed: %v", err)
	}
	if k != 3 {
		t.Fatalf("k = %d, want 3", k)
	}
	if out.Width != 100 || out.Height != 67 || out.Depth != 34 {
		t.Errorf("dimensions = %dx%dx%d, want 100x67x34", out.Width, out.Height, out.Depth)
	}
	if out.Spacing != (models.Vec3{X: 1.5, Y: 1.5, Z: 6}) {
		t.Errorf("spacing = %+v", out.Spacing)
	}
	if out.Origin != vol.Origin {
		t.Errorf("origin moved to %+v", out.Origin)
	}
	if err := out.Validate(); err != nil {
		t.Errorf("decimated volume invalid: %v", err)
	}
	if got, want := out.At(5, 7, 9), vol.At(15, 21, 27); got != want {
		t.Errorf("sample (5,7,9) = %v, want %v", got, want)
	}
	for i := range before {
		if vol.Data[i] != before[i] {
			t.Fatal("Decimate modified its input")
		}
	}
}

func TestCheckBudget(t *testing.T) {
	vol := models.NewVolumeDataset(10, 10, 10)
	if err := CheckBudget(vol, 1000); err != nil {
		t.Errorf("volume at the cap rejected: %v", err)
	}
	if err := CheckBudget(vol, 999); !errors.Is(err, ErrResourceExhausted) {
		t.Errorf("CheckBudget error = %v, want ErrResourceExhausted", err)
	}
	if err := CheckBudget(vol, 0); err != nil {
		t.Errorf("zero cap should disable the check: %v", err)
	}
}

func TestDecimateInvalid(t *testing.T) {
	vol := models.NewVolumeDataset(4, 4, 4)
	vol.Release()
	if _, _, err := Decimate(vol, 2); err == nil {
		t.Error("expected an error for a released volume")
	}
}
