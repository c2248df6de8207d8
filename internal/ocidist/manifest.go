package ocidist

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// EmptyConfigData is the payload of the well-known empty config blob, used
// by artifacts whose package format has no natural config document.
var EmptyConfigData = []byte("{}")

// EmptyConfig is the descriptor for [EmptyConfigData].
var EmptyConfig = ocispec.Descriptor{
	MediaType: ocispec.MediaTypeEmptyJSON,
	Digest:    ComputeDigest(EmptyConfigData),
	Size:      int64(len(EmptyConfigData)),
}

// Manifest is an OCI image manifest describing a packaged artifact: an
// artifact type, one config blob, and an ordered list of content layers.
//
// Its JSON form always has schema version 2 and the OCI image manifest media
// type, so those are not represented as fields.
type Manifest struct {
	ArtifactType string
	Config       ocispec.Descriptor
	Layers       []ocispec.Descriptor
	Annotations  map[string]string
}

// NewManifest builds a manifest for the given artifact type.
//
// If config is nil then the manifest refers to [EmptyConfig].
func NewManifest(artifactType string, config *ocispec.Descriptor, layers ...ocispec.Descriptor) *Manifest {
	m := &Manifest{
		ArtifactType: artifactType,
		Config:       EmptyConfig,
		Layers:       make([]ocispec.Descriptor, 0, len(layers)),
	}
	if config != nil {
		m.Config = *config
	}
	m.Layers = append(m.Layers, layers...)
	return m
}

// NewLayer returns a descriptor for the given payload, computing its digest
// and size.
//
// The annotations map is retained by the result, so callers must not modify
// it afterwards.
func NewLayer(mediaType string, data []byte, annotations map[string]string) ocispec.Descriptor {
	return ocispec.Descriptor{
		MediaType:   mediaType,
		Digest:      ComputeDigest(data),
		Size:        int64(len(data)),
		Annotations: annotations,
	}
}

// ParseManifest decodes the JSON representation of a manifest, returning an
// error wrapping [ErrMalformedManifest] if the document is not a valid
// artifact manifest.
func ParseManifest(src []byte) (*Manifest, error) {
	var raw ocispec.Manifest
	if err := json.Unmarshal(src, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedManifest, err)
	}
	if raw.SchemaVersion != 2 {
		return nil, fmt.Errorf("%w: unsupported schema version %d", ErrMalformedManifest, raw.SchemaVersion)
	}
	if raw.MediaType != "" && raw.MediaType != ocispec.MediaTypeImageManifest {
		return nil, fmt.Errorf("%w: unsupported media type %q", ErrMalformedManifest, raw.MediaType)
	}
	if raw.ArtifactType == "" {
		return nil, fmt.Errorf("%w: missing artifactType", ErrMalformedManifest)
	}
	if raw.Config.Digest == "" {
		return nil, fmt.Errorf("%w: missing config", ErrMalformedManifest)
	}
	if err := raw.Config.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid config digest: %s", ErrMalformedManifest, err)
	}
	if raw.Layers == nil {
		return nil, fmt.Errorf("%w: missing layers", ErrMalformedManifest)
	}
	for i, layer := range raw.Layers {
		if err := layer.Digest.Validate(); err != nil {
			return nil, fmt.Errorf("%w: layer %d has invalid digest: %s", ErrMalformedManifest, i, err)
		}
	}
	return &Manifest{
		ArtifactType: raw.ArtifactType,
		Config:       raw.Config,
		Layers:       raw.Layers,
		Annotations:  raw.Annotations,
	}, nil
}

// MarshalJSON implements [json.Marshaler].
func (m *Manifest) MarshalJSON() ([]byte, error) {
	layers := m.Layers
	if layers == nil {
		layers = []ocispec.Descriptor{}
	}
	return json.Marshal(ocispec.Manifest{
		Versioned:    specs.Versioned{SchemaVersion: 2},
		MediaType:    ocispec.MediaTypeImageManifest,
		ArtifactType: m.ArtifactType,
		Config:       m.Config,
		Layers:       layers,
		Annotations:  m.Annotations,
	})
}

// HasEmptyConfig returns true if the manifest's config slot refers to the
// well-known empty config blob.
func (m *Manifest) HasEmptyConfig() bool {
	return m.Config.MediaType == ocispec.MediaTypeEmptyJSON
}

// ReplaceOrAppendLayer adds the given layer to the manifest.
//
// If an existing layer has the same value as the new layer for the
// annotation named by matchKey then the new layer takes its place, keeping
// its position. Otherwise the new layer is appended. A new layer that doesn't
// have the annotation at all is always appended.
func (m *Manifest) ReplaceOrAppendLayer(layer ocispec.Descriptor, matchKey string) {
	want, ok := layer.Annotations[matchKey]
	if ok {
		for i, existing := range m.Layers {
			if got, exists := existing.Annotations[matchKey]; exists && got == want {
				m.Layers[i] = layer
				return
			}
		}
	}
	m.Layers = append(m.Layers, layer)
}

// FindLayer returns the first layer whose annotation named key has the given
// value.
func (m *Manifest) FindLayer(key, value string) (ocispec.Descriptor, bool) {
	for _, layer := range m.Layers {
		if got, ok := layer.Annotations[key]; ok && got == value {
			return layer, true
		}
	}
	return ocispec.Descriptor{}, false
}
