package export

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/unixpickle/model3d/model3d"

	"github.com/Jengaup/dicom-converter/internal/models"
)

// ErrUnsupportedFormat is returned by Save for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Save writes mesh to path in the format named by its extension: .stl for
// STL, anything else (including no extension) as GLB.
func Save(path string, mesh *models.Mesh, opts Options) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".stl":
		return SaveSTL(path, mesh, opts)
	case ".glb", "":
		return SaveGLB(path, mesh, opts)
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "%s", filepath.Ext(path))
	}
}

// SaveGLB writes mesh to path as a glTF binary.
func SaveGLB(path string, mesh *models.Mesh, opts Options) error {
	if err := checkMesh(mesh); err != nil {
		return err
	}
	return writeAtomic(path, func(w io.Writer) error {
		return WriteGLB(w, mesh, opts)
	})
}

// SaveSTL writes mesh to path as a binary STL file. Positions are scaled and
// recentred like the GLB output; normals are derived from the faces.
func SaveSTL(path string, mesh *models.Mesh, opts Options) error {
	if err := checkMesh(mesh); err != nil {
		return err
	}
	opts = opts.withDefaults()
	toScene := transform(mesh, opts)

	triangles := make([]*model3d.Triangle, 0, mesh.NumFaces())
	for _, f := range mesh.Faces {
		var t model3d.Triangle
		for k, idx := range f {
			p := toScene(mesh.Vertices[idx])
			t[k] = model3d.Coord3D{X: float64(p[0]), Y: float64(p[1]), Z: float64(p[2])}
		}
		triangles = append(triangles, &t)
	}
	data := model3d.NewMeshTriangles(triangles).EncodeSTL()

	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// writeAtomic writes to a temporary sibling of path and renames it into
// place, so a failed export never leaves a partial file behind.
func writeAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temporary output")
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "move output into place")
	}
	return nil
}
