package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ManifestVersion is the current endpoint manifest format version.
const ManifestVersion = 1

// buildNamespace scopes name-based build identifiers.
var buildNamespace = uuid.MustParse("5c1d8f2e-9a47-4b1e-8f0a-3d6c2b7e9f41")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bundle: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Param is one endpoint parameter with its type descriptor.
type Param struct {
	Name string `cbor:"name"`
	Type string `cbor:"type"`
}

// Endpoint describes one remote-callable Server function.
type Endpoint struct {
	Name   string  `cbor:"name"`
	Path   string  `cbor:"path"`
	Params []Param `cbor:"params"`
	Result string  `cbor:"result"`
}

// Manifest lists the endpoints a server bundle exposes. The build ID is
// derived from the source so identical sources get identical manifests.
type Manifest struct {
	Version    int        `cbor:"version"`
	BuildID    uuid.UUID  `cbor:"build_id"`
	Module     string     `cbor:"module"`
	SourceHash string     `cbor:"source_hash"`
	Endpoints  []Endpoint `cbor:"endpoints"`
}

// NewManifest builds the manifest for module compiled from source.
func NewManifest(module string, source []byte, endpoints []Endpoint) *Manifest {
	sum := sha256.Sum256(source)
	if endpoints == nil {
		endpoints = []Endpoint{}
	}
	return &Manifest{
		Version:    ManifestVersion,
		BuildID:    BuildID(sum[:]),
		Module:     module,
		SourceHash: hex.EncodeToString(sum[:]),
		Endpoints:  endpoints,
	}
}

// BuildID returns the name-based (SHA-1) UUID for a source hash.
func BuildID(sourceHash []byte) uuid.UUID {
	return uuid.NewSHA1(buildNamespace, sourceHash)
}

// Lookup returns the endpoint served at path.
func (m *Manifest) Lookup(path string) (Endpoint, bool) {
	for _, e := range m.Endpoints {
		if e.Path == path {
			return e, true
		}
	}
	return Endpoint{}, false
}

// EncodeManifest serializes a manifest to canonical CBOR.
func EncodeManifest(m *Manifest) ([]byte, error) {
	return cborEncMode.Marshal(m)
}

// DecodeManifest deserializes a manifest from CBOR bytes.
func DecodeManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("bundle: unmarshal manifest: %w", err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("bundle: unsupported manifest version %d", m.Version)
	}
	return &m, nil
}
