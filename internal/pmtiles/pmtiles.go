// Package pmtiles writes PMTiles v3 archives.
//
// The header and directory encoding follow
// https://github.com/protomaps/PMTiles/blob/main/spec/v3/spec.md and the
// BSD-3-Clause reference writer at github.com/protomaps/go-pmtiles.
package pmtiles

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// ErrEmpty is returned when an archive would contain no tiles.
var ErrEmpty = errors.New("pmtiles: no tiles")

// Compression is the compression algorithm applied to tiles or directories.
type Compression uint8

const (
	UnknownCompression Compression = 0
	NoCompression      Compression = 1
	Gzip               Compression = 2
)

// TileType is the format of individual tile contents.
type TileType uint8

const (
	UnknownTileType TileType = 0
	Mvt             TileType = 1
	Png             TileType = 2
	Jpeg            TileType = 3
	Webp            TileType = 4
)

// HeaderV3LenBytes is the fixed-size binary header.
const HeaderV3LenBytes = 127

// maxRootBytes keeps header plus root directory within the first 16 KiB
// fetch a reader makes.
const maxRootBytes = 16384 - HeaderV3LenBytes

// HeaderV3 is a binary header for PMTiles v3.
type HeaderV3 struct {
	SpecVersion         uint8
	RootOffset          uint64
	RootLength          uint64
	MetadataOffset      uint64
	MetadataLength      uint64
	LeafDirectoryOffset uint64
	LeafDirectoryLength uint64
	TileDataOffset      uint64
	TileDataLength      uint64
	AddressedTilesCount uint64
	TileEntriesCount    uint64
	TileContentsCount   uint64
	Clustered           bool
	InternalCompression Compression
	TileCompression     Compression
	TileType            TileType
	MinZoom             uint8
	MaxZoom             uint8
	MinLonE7            int32
	MinLatE7            int32
	MaxLonE7            int32
	MaxLatE7            int32
	CenterZoom          uint8
	CenterLonE7         int32
	CenterLatE7         int32
}

// EntryV3 is an entry in a PMTiles v3 directory. A zero RunLength marks a
// pointer to a leaf directory.
type EntryV3 struct {
	TileID    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

// Archive collects tiles in memory and writes them out as one file.
// Tiles already encoded with TileCompression are stored as given.
type Archive struct {
	TileType        TileType
	TileCompression Compression
	Bounds          orb.Bound
	Metadata        map[string]any

	tiles   map[uint64][]byte
	minZoom uint8
	maxZoom uint8
}

// NewArchive returns an empty archive for tiles of type t.
func NewArchive(t TileType, c Compression) *Archive {
	return &Archive{
		TileType:        t,
		TileCompression: c,
		tiles:           make(map[uint64][]byte),
		minZoom:         255,
	}
}

// Add stores data for tile t, replacing any earlier data for it.
func (a *Archive) Add(t maptile.Tile, data []byte) {
	z := uint8(t.Z)
	a.tiles[ZxyToID(z, t.X, t.Y)] = data
	a.minZoom = min(a.minZoom, z)
	a.maxZoom = max(a.maxZoom, z)
}

// Len returns the number of tiles added.
func (a *Archive) Len() int { return len(a.tiles) }

// WriteTo writes the archive: header, root directory, metadata, leaf
// directories, then tile data. Identical tiles are stored once.
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	if len(a.tiles) == 0 {
		return 0, ErrEmpty
	}
	ids := make([]uint64, 0, len(a.tiles))
	for id := range a.tiles {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var data bytes.Buffer
	var entries []EntryV3
	seen := make(map[string]uint64)
	for _, id := range ids {
		tile := a.tiles[id]
		if n := len(entries); n > 0 {
			last := &entries[n-1]
			if last.TileID+uint64(last.RunLength) == id && bytes.Equal(a.tiles[last.TileID], tile) {
				last.RunLength++
				continue
			}
		}
		off, ok := seen[string(tile)]
		if !ok {
			off = uint64(data.Len())
			seen[string(tile)] = off
			data.Write(tile)
		}
		entries = append(entries, EntryV3{TileID: id, Offset: off, Length: uint32(len(tile)), RunLength: 1})
	}

	root, leaves, err := directories(entries)
	if err != nil {
		return 0, err
	}
	meta, err := SerializeMetadata(a.Metadata, Gzip)
	if err != nil {
		return 0, err
	}

	h := HeaderV3{
		SpecVersion:         3,
		RootOffset:          HeaderV3LenBytes,
		RootLength:          uint64(len(root)),
		AddressedTilesCount: uint64(len(ids)),
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   uint64(len(seen)),
		Clustered:           true,
		InternalCompression: Gzip,
		TileCompression:     a.TileCompression,
		TileType:            a.TileType,
		MinZoom:             a.minZoom,
		MaxZoom:             a.maxZoom,
		MinLonE7:            e7(a.Bounds.Min.Lon()),
		MinLatE7:            e7(a.Bounds.Min.Lat()),
		MaxLonE7:            e7(a.Bounds.Max.Lon()),
		MaxLatE7:            e7(a.Bounds.Max.Lat()),
		CenterZoom:          a.minZoom,
		CenterLonE7:         e7(a.Bounds.Center().Lon()),
		CenterLatE7:         e7(a.Bounds.Center().Lat()),
	}
	h.MetadataOffset = h.RootOffset + h.RootLength
	h.MetadataLength = uint64(len(meta))
	h.LeafDirectoryOffset = h.MetadataOffset + h.MetadataLength
	h.LeafDirectoryLength = uint64(len(leaves))
	h.TileDataOffset = h.LeafDirectoryOffset + h.LeafDirectoryLength
	h.TileDataLength = uint64(data.Len())

	var total int64
	for _, part := range [][]byte{SerializeHeader(h), root, meta, leaves, data.Bytes()} {
		n, err := w.Write(part)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("pmtiles: write: %w", err)
		}
	}
	return total, nil
}

// directories encodes entries as a single root directory, or as leaves
// under a root of pointers when the root alone would be too large.
func directories(entries []EntryV3) (root, leaves []byte, err error) {
	root, err = SerializeEntries(entries, Gzip)
	if err != nil || len(root) <= maxRootBytes {
		return root, nil, err
	}
	for size := 4096; ; size *= 2 {
		var buf bytes.Buffer
		var pointers []EntryV3
		for chunk := range slices.Chunk(entries, size) {
			leaf, err := SerializeEntries(chunk, Gzip)
			if err != nil {
				return nil, nil, err
			}
			pointers = append(pointers, EntryV3{TileID: chunk[0].TileID, Offset: uint64(buf.Len()), Length: uint32(len(leaf))})
			buf.Write(leaf)
		}
		root, err = SerializeEntries(pointers, Gzip)
		if err != nil {
			return nil, nil, err
		}
		if len(root) <= maxRootBytes {
			return root, buf.Bytes(), nil
		}
	}
}

func e7(deg float64) int32 { return int32(deg * 10_000_000) }

// ZxyToID converts (Z,X,Y) tile coordinates to a Hilbert TileID.
func ZxyToID(z uint8, x uint32, y uint32) uint64 {
	var acc uint64 = (1<<(z*2) - 1) / 3
	n := uint32(z - 1)
	for s := uint32(1 << n); s > 0; s >>= 1 {
		rx := s & x
		ry := s & y
		acc += uint64((3*rx)^ry) << n
		x, y = rotate(s, x, y, rx, ry)
		n--
	}
	return acc
}

func rotate(n, x, y, rx, ry uint32) (uint32, uint32) {
	if ry == 0 {
		if rx != 0 {
			x = n - 1 - x
			y = n - 1 - y
		}
		return y, x
	}
	return x, y
}

// SerializeHeader converts a header to bytes.
func SerializeHeader(h HeaderV3) []byte {
	b := make([]byte, HeaderV3LenBytes)
	copy(b[0:7], "PMTiles")
	b[7] = 3
	le := binary.LittleEndian
	for i, v := range []uint64{
		h.RootOffset, h.RootLength, h.MetadataOffset, h.MetadataLength,
		h.LeafDirectoryOffset, h.LeafDirectoryLength, h.TileDataOffset, h.TileDataLength,
		h.AddressedTilesCount, h.TileEntriesCount, h.TileContentsCount,
	} {
		le.PutUint64(b[8+8*i:], v)
	}
	if h.Clustered {
		b[96] = 1
	}
	b[97] = uint8(h.InternalCompression)
	b[98] = uint8(h.TileCompression)
	b[99] = uint8(h.TileType)
	b[100] = h.MinZoom
	b[101] = h.MaxZoom
	le.PutUint32(b[102:], uint32(h.MinLonE7))
	le.PutUint32(b[106:], uint32(h.MinLatE7))
	le.PutUint32(b[110:], uint32(h.MaxLonE7))
	le.PutUint32(b[114:], uint32(h.MaxLatE7))
	b[118] = h.CenterZoom
	le.PutUint32(b[119:], uint32(h.CenterLonE7))
	le.PutUint32(b[123:], uint32(h.CenterLatE7))
	return b
}

// DeserializeHeader parses a binary header.
func DeserializeHeader(d []byte) (HeaderV3, error) {
	var h HeaderV3
	if len(d) < HeaderV3LenBytes {
		return h, errors.New("pmtiles: buffer too small for header")
	}
	if string(d[0:7]) != "PMTiles" {
		return h, errors.New("pmtiles: magic number not detected")
	}
	le := binary.LittleEndian
	u64 := func(i int) uint64 { return le.Uint64(d[8+8*i:]) }
	i32 := func(off int) int32 { return int32(le.Uint32(d[off:])) }

	h.SpecVersion = d[7]
	h.RootOffset, h.RootLength = u64(0), u64(1)
	h.MetadataOffset, h.MetadataLength = u64(2), u64(3)
	h.LeafDirectoryOffset, h.LeafDirectoryLength = u64(4), u64(5)
	h.TileDataOffset, h.TileDataLength = u64(6), u64(7)
	h.AddressedTilesCount, h.TileEntriesCount, h.TileContentsCount = u64(8), u64(9), u64(10)
	h.Clustered = d[96] == 1
	h.InternalCompression = Compression(d[97])
	h.TileCompression = Compression(d[98])
	h.TileType = TileType(d[99])
	h.MinZoom, h.MaxZoom = d[100], d[101]
	h.MinLonE7, h.MinLatE7 = i32(102), i32(106)
	h.MaxLonE7, h.MaxLatE7 = i32(110), i32(114)
	h.CenterZoom = d[118]
	h.CenterLonE7, h.CenterLatE7 = i32(119), i32(123)
	return h, nil
}

// SerializeMetadata encodes metadata as JSON with the given compression.
func SerializeMetadata(metadata map[string]any, c Compression) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	return compress(raw, c)
}

// SerializeEntries encodes a directory: count, delta tile IDs, run
// lengths, lengths, then offsets where 0 means "right after the previous".
func SerializeEntries(entries []EntryV3, c Compression) ([]byte, error) {
	var b bytes.Buffer
	tmp := make([]byte, binary.MaxVarintLen64)
	put := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		b.Write(tmp[:n])
	}

	put(uint64(len(entries)))
	var last uint64
	for _, e := range entries {
		put(e.TileID - last)
		last = e.TileID
	}
	for _, e := range entries {
		put(uint64(e.RunLength))
	}
	for _, e := range entries {
		put(uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			put(0)
		} else {
			put(e.Offset + 1)
		}
	}
	return compress(b.Bytes(), c)
}

// DeserializeEntries decodes a directory written by SerializeEntries.
func DeserializeEntries(data []byte, c Compression) ([]EntryV3, error) {
	raw := data
	if c == Gzip {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		if raw, err = io.ReadAll(zr); err != nil {
			return nil, err
		}
	}
	r := bytes.NewReader(raw)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	entries := make([]EntryV3, n)
	var last uint64
	for i := range entries {
		d, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		last += d
		entries[i].TileID = last
	}
	for i := range entries {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		entries[i].RunLength = uint32(v)
	}
	for i := range entries {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		entries[i].Length = uint32(v)
	}
	for i := range entries {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		if v == 0 && i > 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = v - 1
		}
	}
	return entries, nil
}

func compress(raw []byte, c Compression) ([]byte, error) {
	switch c {
	case NoCompression:
		return raw, nil
	case Gzip:
		var b bytes.Buffer
		w, err := gzip.NewWriterLevel(&b, gzip.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(raw); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	default:
		return nil, fmt.Errorf("pmtiles: compression %d not supported", c)
	}
}
