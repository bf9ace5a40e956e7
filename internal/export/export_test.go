package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/kalamazoo/listai/internal/group"
	"github.com/kalamazoo/listai/internal/media"
)

func init() {
	zip.RegisterDecompressor(zipMethodZstd, func(r io.Reader) io.ReadCloser {
		zr, err := zstd.NewReader(r)
		if err != nil {
			panic(err)
		}
		return zr.IOReadCloser()
	})
}

func fetchBytes(payload map[string][]byte) FetchFunc {
	return func(_ context.Context, url string) ([]byte, string, error) {
		data, ok := payload[url]
		if !ok {
			return nil, "", errors.New("not found")
		}
		return data, "image/jpeg", nil
	}
}

func TestWriteGroupZipPositionOrderAndFlags(t *testing.T) {
	arena := media.NewStore()
	var ids []string
	payload := map[string][]byte{}
	for _, name := range []string{"a", "b", "c", "d"} {
		item := arena.NewItem("https://cdn/"+name, media.ProvenanceUpload)
		ids = append(ids, item.ID)
		payload[item.URL] = []byte("photo-" + name)
	}
	arena.SetExport(ids[1], false)
	arena.SoftDelete(ids[2])

	g := group.Group{ID: "g1", Sequence: 3, ImageIDs: ids}

	var buf bytes.Buffer
	n, err := WriteGroupZip(context.Background(), &buf, fetchBytes(payload), arena, g)
	if err != nil {
		t.Fatalf("WriteGroupZip: %v", err)
	}
	if n != 2 {
		t.Fatalf("wrote %d entries, want 2", n)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("open ZIP: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("ZIP has %d entries, want 2", len(zr.File))
	}

	// Entry names keep original grid positions, not a compacted sequence.
	wantNames := []string{"01.jpg", "04.jpg"}
	wantBody := []string{"photo-a", "photo-d"}
	for i, f := range zr.File {
		if f.Name != wantNames[i] {
			t.Errorf("entry %d name = %q, want %q", i, f.Name, wantNames[i])
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open entry %s: %v", f.Name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read entry %s: %v", f.Name, err)
		}
		if string(body) != wantBody[i] {
			t.Errorf("entry %s body = %q, want %q", f.Name, body, wantBody[i])
		}
	}
}

func TestWriteGroupZipSkipsFailedDownloads(t *testing.T) {
	arena := media.NewStore()
	a := arena.NewItem("https://cdn/a", media.ProvenanceUpload)
	b := arena.NewItem("https://cdn/b", media.ProvenanceUpload)

	payload := map[string][]byte{b.URL: []byte("photo-b")}
	g := group.Group{ID: "g1", Sequence: 1, ImageIDs: []string{a.ID, b.ID}}

	var buf bytes.Buffer
	n, err := WriteGroupZip(context.Background(), &buf, fetchBytes(payload), arena, g)
	if err != nil {
		t.Fatalf("WriteGroupZip: %v", err)
	}
	if n != 1 {
		t.Errorf("wrote %d entries, want 1 after skipping the failed download", n)
	}
}

func TestZipName(t *testing.T) {
	got := ZipName(group.Group{Sequence: 7})
	if got != "listing-7-photos.zip" {
		t.Errorf("ZipName = %q", got)
	}
}
