package ocidist

import (
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/google/go-cmp/cmp"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestComputeDigest(t *testing.T) {
	digestRe := regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)
	payloads := [][]byte{
		nil,
		{},
		[]byte("{}"),
		[]byte("hello world"),
		make([]byte, 1<<16),
	}
	for _, payload := range payloads {
		got := ComputeDigest(payload)
		if !digestRe.MatchString(got.String()) {
			t.Errorf("digest %q has wrong format", got)
		}
		if again := ComputeDigest(append([]byte(nil), payload...)); again != got {
			t.Errorf("digest not deterministic: %s then %s", got, again)
		}
	}

	if got, want := ComputeDigest([]byte("{}")).String(), "sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"; got != want {
		t.Errorf("wrong digest for empty config\ngot:  %s\nwant: %s", got, want)
	}
}

func TestNewManifestDefaultsToEmptyConfig(t *testing.T) {
	m := NewManifest("application/vnd.example+json", nil)
	if !m.HasEmptyConfig() {
		t.Errorf("manifest does not use the empty config: %#v", m.Config)
	}
	if diff := cmp.Diff(EmptyConfig, m.Config); diff != "" {
		t.Errorf("wrong config\n%s", diff)
	}

	src, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(src, &raw); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"schemaVersion": float64(2),
		"mediaType":     "application/vnd.oci.image.manifest.v1+json",
		"artifactType":  "application/vnd.example+json",
		"config": map[string]any{
			"mediaType": "application/vnd.oci.empty.v1+json",
			"digest":    "sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a",
			"size":      float64(2),
		},
		"layers": []any{},
	}
	if diff := cmp.Diff(want, raw); diff != "" {
		t.Errorf("wrong JSON\n%s", diff)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	config := NewLayer("application/vnd.example.config+json", []byte(`{"a":1}`), nil)
	m := NewManifest(
		"application/vnd.example+json",
		&config,
		NewLayer("application/octet-stream", []byte("first"), map[string]string{"filename": "a.whl"}),
		NewLayer("application/octet-stream", []byte("second"), map[string]string{"filename": "b.tar.gz", "requires-python": ">=3.8"}),
	)
	m.Annotations = map[string]string{"org.opencontainers.image.version": "1.0"}

	src, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseManifest(src)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(m, got); diff != "" {
		t.Errorf("round trip changed manifest\n%s", diff)
	}

	again, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(src) {
		t.Errorf("re-serialized manifest differs\nfirst:  %s\nsecond: %s", src, again)
	}
}

func TestParseManifestMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":          `{`,
		"wrong schema":      `{"schemaVersion":1,"artifactType":"a","config":{"mediaType":"x","digest":"sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a","size":2},"layers":[]}`,
		"no artifact type":  `{"schemaVersion":2,"config":{"mediaType":"x","digest":"sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a","size":2},"layers":[]}`,
		"no config":         `{"schemaVersion":2,"artifactType":"a","layers":[]}`,
		"bad config digest": `{"schemaVersion":2,"artifactType":"a","config":{"mediaType":"x","digest":"sha256:nope","size":2},"layers":[]}`,
		"no layers":         `{"schemaVersion":2,"artifactType":"a","config":{"mediaType":"x","digest":"sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a","size":2}}`,
		"bad layer digest":  `{"schemaVersion":2,"artifactType":"a","config":{"mediaType":"x","digest":"sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a","size":2},"layers":[{"mediaType":"y","digest":"md5:abc","size":1}]}`,
		"index media type":  `{"schemaVersion":2,"mediaType":"application/vnd.oci.image.index.v1+json","artifactType":"a","config":{"mediaType":"x","digest":"sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a","size":2},"layers":[]}`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest([]byte(src))
			if !errors.Is(err, ErrMalformedManifest) {
				t.Errorf("wrong error %v; want ErrMalformedManifest", err)
			}
		})
	}
}

func TestManifestReplaceOrAppendLayer(t *testing.T) {
	layerA := NewLayer("application/octet-stream", []byte("A"), map[string]string{"filename": "x"})
	layerB := NewLayer("application/octet-stream", []byte("B"), map[string]string{"filename": "y"})

	t.Run("replace", func(t *testing.T) {
		m := NewManifest("a", nil, layerA, layerB)
		layerC := NewLayer("application/octet-stream", []byte("C"), map[string]string{"filename": "x"})
		m.ReplaceOrAppendLayer(layerC, "filename")
		if diff := cmp.Diff([]ocispec.Descriptor{layerC, layerB}, m.Layers); diff != "" {
			t.Errorf("wrong layers\n%s", diff)
		}
	})
	t.Run("append", func(t *testing.T) {
		m := NewManifest("a", nil, layerA, layerB)
		layerC := NewLayer("application/octet-stream", []byte("C"), map[string]string{"filename": "z"})
		m.ReplaceOrAppendLayer(layerC, "filename")
		if diff := cmp.Diff([]ocispec.Descriptor{layerA, layerB, layerC}, m.Layers); diff != "" {
			t.Errorf("wrong layers\n%s", diff)
		}
	})
	t.Run("no annotation", func(t *testing.T) {
		m := NewManifest("a", nil, layerA)
		layerC := NewLayer("application/octet-stream", []byte("C"), nil)
		m.ReplaceOrAppendLayer(layerC, "filename")
		if diff := cmp.Diff([]ocispec.Descriptor{layerA, layerC}, m.Layers); diff != "" {
			t.Errorf("wrong layers\n%s", diff)
		}
	})
}

func TestTagForVersion(t *testing.T) {
	tests := []struct {
		version string
		want    Reference
		wantErr bool
	}{
		{"1.0.0", "1.0.0", false},
		{"1.0.0-beta.1", "1.0.0-beta.1", false},
		{"1.0.0+build.5", "1.0.0.build-build.5", false},
		{"1.0+a+b", "", true},
		{"", "", true},
		{"1.0/evil", "", true},
	}
	for _, test := range tests {
		t.Run(test.version, func(t *testing.T) {
			got, err := TagForVersion(test.version)
			if (err != nil) != test.wantErr {
				t.Fatalf("wrong error %v; wantErr %v", err, test.wantErr)
			}
			if got != test.want {
				t.Errorf("wrong tag %q; want %q", got, test.want)
			}
		})
	}
}
