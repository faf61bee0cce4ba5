// Package export serializes meshes for AR/VR viewers and desktop tools.
package export

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/Jengaup/dicom-converter/internal/models"
)

// ErrInvalidMesh is returned for dangling indices or non-finite data.
var ErrInvalidMesh = errors.New("invalid mesh")

const (
	glbMagic       = 0x46546C67 // "glTF"
	glbVersion     = 2
	chunkJSON      = 0x4E4F534A // "JSON"
	chunkBIN       = 0x004E4942 // "BIN\0"
	glbHeaderSize  = 12
	chunkHeaderLen = 8

	componentFloat  = 5126
	componentUint16 = 5123
	componentUint32 = 5125

	targetArrayBuffer        = 34962
	targetElementArrayBuffer = 34963

	modeTriangles = 4
)

// Options controls how a mesh is placed in the exported scene.
type Options struct {
	// Scale multiplies every position; 0.001 turns millimetres into metres.
	Scale float64

	// Recenter moves the centre of the bounding box to the origin before
	// scaling.
	Recenter bool

	// NodeName names the single scene node.
	NodeName string

	// Generator is recorded in asset.generator.
	Generator string
}

// DefaultOptions converts scanner millimetres to glTF metres and centres the
// model so viewers open it in front of the camera.
func DefaultOptions() Options {
	return Options{
		Scale:     0.001,
		Recenter:  true,
		NodeName:  "scan",
		Generator: "dicom-converter",
	}
}

func (o Options) withDefaults() Options {
	if o.Scale == 0 {
		o.Scale = 1
	}
	if o.NodeName == "" {
		o.NodeName = "scan"
	}
	if o.Generator == "" {
		o.Generator = "dicom-converter"
	}
	return o
}

type gltfDocument struct {
	Asset       gltfAsset        `json:"asset"`
	Scene       int              `json:"scene"`
	Scenes      []gltfScene      `json:"scenes"`
	Nodes       []gltfNode       `json:"nodes"`
	Meshes      []gltfMesh       `json:"meshes,omitempty"`
	Accessors   []gltfAccessor   `json:"accessors,omitempty"`
	BufferViews []gltfBufferView `json:"bufferViews,omitempty"`
	Buffers     []gltfBuffer     `json:"buffers,omitempty"`
}

type gltfAsset struct {
	Version   string `json:"version"`
	Generator string `json:"generator,omitempty"`
}

type gltfScene struct {
	Nodes []int `json:"nodes"`
}

type gltfNode struct {
	Name string `json:"name,omitempty"`
	Mesh *int   `json:"mesh,omitempty"`
}

type gltfMesh struct {
	Name       string          `json:"name,omitempty"`
	Primitives []gltfPrimitive `json:"primitives"`
}

type gltfPrimitive struct {
	Attributes map[string]int `json:"attributes"`
	Indices    int            `json:"indices"`
	Mode       int            `json:"mode"`
}

type gltfAccessor struct {
	BufferView    int       `json:"bufferView"`
	ComponentType int       `json:"componentType"`
	Count         int       `json:"count"`
	Type          string    `json:"type"`
	Min           []float32 `json:"min,omitempty"`
	Max           []float32 `json:"max,omitempty"`
}

type gltfBufferView struct {
	Buffer     int `json:"buffer"`
	ByteOffset int `json:"byteOffset"`
	ByteLength int `json:"byteLength"`
	Target     int `json:"target,omitempty"`
}

type gltfBuffer struct {
	ByteLength int `json:"byteLength"`
}

// checkMesh rejects meshes that would produce an unreadable file.
func checkMesh(mesh *models.Mesh) error {
	if mesh == nil {
		return errors.Wrap(ErrInvalidMesh, "nil mesh")
	}
	if err := mesh.Validate(); err != nil {
		return errors.Wrap(ErrInvalidMesh, err.Error())
	}
	if !mesh.Finite() {
		return errors.Wrap(ErrInvalidMesh, "non-finite vertex data")
	}
	return nil
}

// transform returns the mapping from mesh space to scene space.
func transform(mesh *models.Mesh, opts Options) func(r3.Vec) mgl32.Vec3 {
	var center r3.Vec
	if opts.Recenter && mesh.NumVertices() > 0 {
		lo, hi := mesh.Bounds()
		center = r3.Scale(0.5, r3.Add(lo, hi))
	}
	return func(v r3.Vec) mgl32.Vec3 {
		p := r3.Scale(opts.Scale, r3.Sub(v, center))
		return mgl32.Vec3{float32(p.X), float32(p.Y), float32(p.Z)}
	}
}

// WriteGLB writes mesh as a glTF 2.0 binary with one scene, one node and,
// unless the mesh is empty, one triangle primitive.
func WriteGLB(w io.Writer, mesh *models.Mesh, opts Options) error {
	if err := checkMesh(mesh); err != nil {
		return err
	}
	opts = opts.withDefaults()

	doc := gltfDocument{
		Asset:  gltfAsset{Version: "2.0", Generator: opts.Generator},
		Scenes: []gltfScene{{Nodes: []int{0}}},
		Nodes:  []gltfNode{{Name: opts.NodeName}},
	}

	var bin bytes.Buffer
	if !mesh.IsEmpty() {
		encodeGeometry(&doc, &bin, mesh, opts)
	}

	jsonData, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode glTF JSON")
	}
	jsonData = pad(jsonData, ' ')
	binData := pad(bin.Bytes(), 0)

	total := glbHeaderSize + chunkHeaderLen + len(jsonData)
	if len(binData) > 0 {
		total += chunkHeaderLen + len(binData)
	}

	var out bytes.Buffer
	out.Grow(total)
	header := []uint32{glbMagic, glbVersion, uint32(total), uint32(len(jsonData)), chunkJSON}
	binary.Write(&out, binary.LittleEndian, header)
	out.Write(jsonData)
	if len(binData) > 0 {
		binary.Write(&out, binary.LittleEndian, []uint32{uint32(len(binData)), chunkBIN})
		out.Write(binData)
	}

	if _, err := w.Write(out.Bytes()); err != nil {
		return errors.Wrap(err, "write GLB")
	}
	return nil
}

// encodeGeometry fills bin with positions, normals and indices and adds the
// matching views and accessors to doc.
func encodeGeometry(doc *gltfDocument, bin *bytes.Buffer, mesh *models.Mesh, opts Options) {
	toScene := transform(mesh, opts)

	positions := make([]mgl32.Vec3, mesh.NumVertices())
	min := mgl32.Vec3{math.MaxFloat32, math.MaxFloat32, math.MaxFloat32}
	max := mgl32.Vec3{-math.MaxFloat32, -math.MaxFloat32, -math.MaxFloat32}
	for i, v := range mesh.Vertices {
		p := toScene(v)
		positions[i] = p
		for k := 0; k < 3; k++ {
			if p[k] < min[k] {
				min[k] = p[k]
			}
			if p[k] > max[k] {
				max[k] = p[k]
			}
		}
	}

	addView := func(data interface{}, target int) int {
		offset := bin.Len()
		binary.Write(bin, binary.LittleEndian, data)
		for bin.Len()%4 != 0 {
			bin.WriteByte(0)
		}
		doc.BufferViews = append(doc.BufferViews, gltfBufferView{
			ByteOffset: offset,
			ByteLength: binary.Size(data),
			Target:     target,
		})
		return len(doc.BufferViews) - 1
	}
	addAccessor := func(a gltfAccessor) int {
		doc.Accessors = append(doc.Accessors, a)
		return len(doc.Accessors) - 1
	}

	attributes := map[string]int{}
	attributes["POSITION"] = addAccessor(gltfAccessor{
		BufferView:    addView(positions, targetArrayBuffer),
		ComponentType: componentFloat,
		Count:         len(positions),
		Type:          "VEC3",
		Min:           min[:],
		Max:           max[:],
	})

	if len(mesh.Normals) == mesh.NumVertices() {
		normals := make([]mgl32.Vec3, len(mesh.Normals))
		for i, n := range mesh.Normals {
			normals[i] = mgl32.Vec3{float32(n.X), float32(n.Y), float32(n.Z)}
			if normals[i].Len() > 0 {
				normals[i] = normals[i].Normalize()
			} else {
				normals[i] = mgl32.Vec3{0, 0, 1}
			}
		}
		attributes["NORMAL"] = addAccessor(gltfAccessor{
			BufferView:    addView(normals, targetArrayBuffer),
			ComponentType: componentFloat,
			Count:         len(normals),
			Type:          "VEC3",
		})
	}

	var indexView, componentType int
	if mesh.NumVertices() < 1<<16 {
		indices := make([]uint16, 0, 3*mesh.NumFaces())
		for _, f := range mesh.Faces {
			indices = append(indices, uint16(f[0]), uint16(f[1]), uint16(f[2]))
		}
		indexView, componentType = addView(indices, targetElementArrayBuffer), componentUint16
	} else {
		indices := make([]uint32, 0, 3*mesh.NumFaces())
		for _, f := range mesh.Faces {
			indices = append(indices, uint32(f[0]), uint32(f[1]), uint32(f[2]))
		}
		indexView, componentType = addView(indices, targetElementArrayBuffer), componentUint32
	}
	indexAccessor := addAccessor(gltfAccessor{
		BufferView:    indexView,
		ComponentType: componentType,
		Count:         3 * mesh.NumFaces(),
		Type:          "SCALAR",
	})

	doc.Meshes = []gltfMesh{{
		Name: opts.NodeName,
		Primitives: []gltfPrimitive{{
			Attributes: attributes,
			Indices:    indexAccessor,
			Mode:       modeTriangles,
		}},
	}}
	meshIndex := 0
	doc.Nodes[0].Mesh = &meshIndex
	doc.Buffers = []gltfBuffer{{ByteLength: bin.Len()}}
}

// pad extends data to a multiple of four bytes.
func pad(data []byte, fill byte) []byte {
	for len(data)%4 != 0 {
		data = append(data, fill)
	}
	return data
}
