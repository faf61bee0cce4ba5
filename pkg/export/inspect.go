package export

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Summary describes the geometry stored in a GLB file.
type Summary struct {
	Generator  string
	NodeName   string
	HasMesh    bool
	Vertices   int
	Indices    int
	Wide       bool // uint32 indices
	HasNormals bool
	Min, Max   [3]float32
}

// Inspect parses the container and JSON chunk of a GLB stream and checks
// that every buffer view fits in the binary chunk.
func Inspect(r io.Reader) (*Summary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read GLB")
	}
	if len(data) < glbHeaderSize+chunkHeaderLen {
		return nil, errors.New("GLB too short")
	}
	le := binary.LittleEndian
	if le.Uint32(data[0:]) != glbMagic || le.Uint32(data[4:]) != glbVersion {
		return nil, errors.New("not a glTF 2.0 binary")
	}
	if int(le.Uint32(data[8:])) != len(data) {
		return nil, errors.Errorf("header length %d, file has %d bytes", le.Uint32(data[8:]), len(data))
	}

	jsonLen := int(le.Uint32(data[12:]))
	if le.Uint32(data[16:]) != chunkJSON || 20+jsonLen > len(data) || jsonLen%4 != 0 {
		return nil, errors.New("malformed JSON chunk")
	}
	var doc gltfDocument
	if err := json.Unmarshal(bytes.TrimRight(data[20:20+jsonLen], " "), &doc); err != nil {
		return nil, errors.Wrap(err, "decode glTF JSON")
	}

	var bin []byte
	if rest := data[20+jsonLen:]; len(rest) > 0 {
		if len(rest) < chunkHeaderLen || le.Uint32(rest[4:]) != chunkBIN {
			return nil, errors.New("malformed BIN chunk")
		}
		binLen := int(le.Uint32(rest))
		if binLen+chunkHeaderLen != len(rest) || binLen%4 != 0 {
			return nil, errors.New("BIN chunk length mismatch")
		}
		bin = rest[chunkHeaderLen:]
	}
	for i, v := range doc.BufferViews {
		if v.ByteOffset+v.ByteLength > len(bin) {
			return nil, errors.Errorf("buffer view %d overruns the BIN chunk", i)
		}
	}

	s := &Summary{Generator: doc.Asset.Generator}
	if len(doc.Scenes) != 1 || len(doc.Nodes) != 1 {
		return nil, errors.Errorf("expected one scene and one node, got %d and %d", len(doc.Scenes), len(doc.Nodes))
	}
	s.NodeName = doc.Nodes[0].Name
	if doc.Nodes[0].Mesh == nil {
		return s, nil
	}
	if *doc.Nodes[0].Mesh >= len(doc.Meshes) || len(doc.Meshes[*doc.Nodes[0].Mesh].Primitives) != 1 {
		return nil, errors.New("node references a missing mesh")
	}
	prim := doc.Meshes[*doc.Nodes[0].Mesh].Primitives[0]
	accessor := func(i int) (gltfAccessor, error) {
		if i < 0 || i >= len(doc.Accessors) {
			return gltfAccessor{}, errors.Errorf("missing accessor %d", i)
		}
		return doc.Accessors[i], nil
	}

	s.HasMesh = true
	pos, err := accessor(prim.Attributes["POSITION"])
	if err != nil {
		return nil, err
	}
	s.Vertices = pos.Count
	copy(s.Min[:], pos.Min)
	copy(s.Max[:], pos.Max)
	if n, ok := prim.Attributes["NORMAL"]; ok {
		if _, err := accessor(n); err != nil {
			return nil, err
		}
		s.HasNormals = true
	}
	idx, err := accessor(prim.Indices)
	if err != nil {
		return nil, err
	}
	s.Indices = idx.Count
	s.Wide = idx.ComponentType == componentUint32
	return s, nil
}
