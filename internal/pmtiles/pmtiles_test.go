package pmtiles

import (
	"bytes"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

func TestZxyToID(t *testing.T) {
	tests := []struct {
		z    uint8
		x, y uint32
		want uint64
	}{
		{0, 0, 0, 0},
		{1, 0, 0, 1},
		{1, 0, 1, 2},
		{1, 1, 1, 3},
		{1, 1, 0, 4},
		{2, 0, 0, 5},
	}
	for _, tt := range tests {
		if got := ZxyToID(tt.z, tt.x, tt.y); got != tt.want {
			t.Errorf("ZxyToID(%d,%d,%d) = %d, want %d", tt.z, tt.x, tt.y, got, tt.want)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := HeaderV3{
		SpecVersion: 3, RootOffset: 127, RootLength: 25, TileDataLength: 9000,
		Clustered: true, TileType: Mvt, TileCompression: Gzip, InternalCompression: Gzip,
		MinZoom: 2, MaxZoom: 14, MinLonE7: -45_000_000, MaxLatE7: 12_500_000, CenterZoom: 2,
	}
	got, err := DeserializeHeader(SerializeHeader(h))
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("header = %+v, want %+v", got, h)
	}
	if _, err := DeserializeHeader([]byte("nope")); err == nil {
		t.Error("short buffer accepted")
	}
}

func TestArchive(t *testing.T) {
	a := NewArchive(Mvt, Gzip)
	a.Bounds = orb.Bound{Min: orb.Point{-10, -5}, Max: orb.Point{10, 5}}
	a.Add(maptile.New(0, 0, 1), []byte("a"))
	a.Add(maptile.New(0, 1, 1), []byte("a"))
	a.Add(maptile.New(1, 1, 1), []byte("b"))

	var buf bytes.Buffer
	n, err := a.WriteTo(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(buf.Len()) {
		t.Errorf("wrote %d, buffer has %d", n, buf.Len())
	}
	b := buf.Bytes()
	h, err := DeserializeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if h.AddressedTilesCount != 3 || h.TileEntriesCount != 2 || h.TileContentsCount != 2 {
		t.Errorf("counts = %d/%d/%d", h.AddressedTilesCount, h.TileEntriesCount, h.TileContentsCount)
	}
	if h.MinZoom != 1 || h.MaxZoom != 1 || h.MinLonE7 != -100_000_000 || h.MaxLatE7 != 50_000_000 {
		t.Errorf("header = %+v", h)
	}
	if h.LeafDirectoryLength != 0 {
		t.Errorf("unexpected leaves: %d bytes", h.LeafDirectoryLength)
	}

	entries, err := DeserializeEntries(b[h.RootOffset:h.RootOffset+h.RootLength], h.InternalCompression)
	if err != nil {
		t.Fatal(err)
	}
	want := []EntryV3{
		{TileID: 1, Offset: 0, Length: 1, RunLength: 2},
		{TileID: 3, Offset: 1, Length: 1, RunLength: 1},
	}
	if len(entries) != len(want) {
		t.Fatalf("entries = %+v", entries)
	}
	for i := range want {
		if entries[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], want[i])
		}
	}
	if data := string(b[h.TileDataOffset:]); data != "ab" {
		t.Errorf("tile data = %q", data)
	}
}

func TestArchiveDedupesNonAdjacent(t *testing.T) {
	a := NewArchive(Png, NoCompression)
	a.Add(maptile.New(0, 0, 1), []byte("x"))
	a.Add(maptile.New(1, 1, 1), []byte("y"))
	a.Add(maptile.New(1, 0, 1), []byte("x"))

	var buf bytes.Buffer
	if _, err := a.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	h, _ := DeserializeHeader(buf.Bytes())
	if h.TileEntriesCount != 3 || h.TileContentsCount != 2 || h.TileDataLength != 2 {
		t.Errorf("header = %+v", h)
	}
}

func TestArchiveEmpty(t *testing.T) {
	if _, err := NewArchive(Mvt, Gzip).WriteTo(&bytes.Buffer{}); !errors.Is(err, ErrEmpty) {
		t.Errorf("err = %v", err)
	}
}

func TestEntriesRoundTrip(t *testing.T) {
	in := []EntryV3{
		{TileID: 0, Offset: 0, Length: 10, RunLength: 1},
		{TileID: 5, Offset: 10, Length: 4, RunLength: 3},
		{TileID: 9, Offset: 2, Length: 8, RunLength: 1},
	}
	for _, c := range []Compression{NoCompression, Gzip} {
		raw, err := SerializeEntries(in, c)
		if err != nil {
			t.Fatal(err)
		}
		out, err := DeserializeEntries(raw, c)
		if err != nil {
			t.Fatal(err)
		}
		for i := range in {
			if out[i] != in[i] {
				t.Errorf("compression %d entry %d = %+v, want %+v", c, i, out[i], in[i])
			}
		}
	}
}
