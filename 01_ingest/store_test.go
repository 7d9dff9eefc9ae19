package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"media-publish-pipeline/pipeerr"
	"media-publish-pipeline/types"
)

var (
	pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01")
	mp3Header = []byte("ID3\x03\x00\x00\x00\x00\x00\x00frames")
	wavHeader = []byte("RIFF\x24\x00\x00\x00WAVEfmt \x10\x00\x00\x00")
)

func TestPutStoresByHash(t *testing.T) {
	t.Parallel()
	s, err := NewStore(filepath.Join(t.TempDir(), "assets"), 0)
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.Put(types.Image, "cover.PNG", pngHeader)
	if err != nil {
		t.Fatalf("Put image: %v", err)
	}
	if a.Kind != types.Image || a.MIME != "image/png" || len(a.ContentHash) != 64 {
		t.Fatalf("unexpected asset %+v", a)
	}
	if _, err := os.Stat(a.Path); err != nil {
		t.Fatalf("asset not on disk: %v", err)
	}

	again, err := s.Put(types.Image, "copy.png", pngHeader)
	if err != nil {
		t.Fatal(err)
	}
	if again.ContentHash != a.ContentHash {
		t.Fatalf("same bytes hashed differently")
	}
}

func TestPutValidation(t *testing.T) {
	t.Parallel()
	s, err := NewStore(t.TempDir(), 64)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name  string
		kind  types.AssetKind
		file  string
		data  []byte
		valid bool
	}{
		{name: "mp3", kind: types.Audio, file: "a.mp3", data: mp3Header, valid: true},
		{name: "wav", kind: types.Audio, file: "a.wav", data: wavHeader, valid: true},
		{name: "empty", kind: types.Image, file: "a.png", data: nil},
		{name: "gif_ext", kind: types.Image, file: "a.gif", data: pngHeader},
		{name: "text_as_png", kind: types.Image, file: "a.png", data: []byte("hello world")},
		{name: "audio_as_image", kind: types.Image, file: "a.png", data: mp3Header},
		{name: "too_big", kind: types.Image, file: "a.png", data: append(append([]byte{}, pngHeader...), make([]byte, 100)...)},
		{name: "bad_kind", kind: types.AssetKind("video"), file: "a.mp4", data: pngHeader},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := s.Put(tc.kind, tc.file, tc.data)
			if tc.valid && err != nil {
				t.Fatalf("Put returned error: %v", err)
			}
			if !tc.valid && !pipeerr.Is(err, pipeerr.ValidationFailed) {
				t.Fatalf("err = %v, want ValidationFailed", err)
			}
		})
	}
}

func TestDestroy(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "run")
	s, err := NewStore(dir, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(types.Audio, "a.mp3", mp3Header); err != nil {
		t.Fatal(err)
	}
	if err := s.Destroy(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("dir still present: %v", err)
	}
}
