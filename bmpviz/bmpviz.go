// Package bmpviz renders a sequence of snapshots into a bottom-up 24-bit
// BMP, one horizontal line per snapshot. It is explicitly out of core
// scope (spec.md §1, §6: "the core only emits a neutral snapshot record")
// but is carried here as the ambient renderer, grounded on the
// write_bmp/write_history_bmp/Color helpers of the program this allocator
// design was distilled from.
package bmpviz

import (
	"bufio"
	"encoding/binary"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/Sanek1710/allocator/bitutil"
	"github.com/Sanek1710/allocator/snapshot"
)

// LineHeight is the number of pixel rows drawn per snapshot.
const LineHeight = 1

// MinBlockSize is the pixel-to-byte scale: one horizontal pixel covers
// this many bytes of address space.
const MinBlockSize = 16

type color struct {
	b, g, r uint8
}

func freeBlockColor(size uint64) color {
	level := bitutil.Ctz(size) - bitutil.Ctz(MinBlockSize)
	if level < 0 {
		level = 0
	}
	blue := uint8(100 + (155*level)/32)
	return color{b: 200 + blue/4, g: 50, r: 50}
}

func allocatedBlockColor(wasteRatio float64) color {
	if wasteRatio < 0 {
		wasteRatio = 0
	}
	if wasteRatio > 1 {
		wasteRatio = 1
	}
	return color{
		r: uint8(200 * wasteRatio),
		g: uint8(200 * (1 - wasteRatio)),
		b: 50,
	}
}

// WriteHistory renders history (one line per snapshot, in order) to a BMP
// file at path. Each pixel column covers MinBlockSize bytes of the first
// snapshot's address space; later snapshots are clipped to that width if
// their total differs.
func WriteHistory(path string, history []snapshot.Snapshot) error {
	if len(history) == 0 {
		return errors.New("bmpviz: empty history")
	}

	width := int(history[0].Total / MinBlockSize)
	if width == 0 {
		return errors.New("bmpviz: snapshot too small to render")
	}
	height := len(history) * LineHeight

	image := make([][]color, height)
	for y := range image {
		image[y] = make([]color, width)
	}

	for stateIdx, snap := range history {
		yStart := stateIdx * LineHeight
		for _, b := range snap.Blocks {
			startX := int(b.Address / MinBlockSize)
			endX := int((b.Address + b.Size) / MinBlockSize)
			if startX >= width {
				continue
			}
			if endX > width {
				endX = width
			}

			var c color
			if b.Free {
				c = freeBlockColor(b.Size)
			} else {
				c = allocatedBlockColor(b.WasteRatio)
			}

			for y := yStart; y < yStart+LineHeight; y++ {
				for x := startX; x < endX; x++ {
					image[y][x] = c
				}
			}
		}
	}

	return writeBMP(path, image)
}

// bmpFileHeader and bmpInfoHeader mirror the 14+40 byte uncompressed
// BITMAPFILEHEADER/BITMAPINFOHEADER pair.
type bmpFileHeader struct {
	Magic      [2]byte
	FileSize   uint32
	Reserved   uint32
	OffsetData uint32
}

type bmpInfoHeader struct {
	Size            uint32
	Width           int32
	Height          int32
	Planes          uint16
	BitsPerPixel    uint16
	Compression     uint32
	SizeImage       uint32
	XPixelsPerMeter int32
	YPixelsPerMeter int32
	ColorsUsed      uint32
	ColorsImportant uint32
}

func writeBMP(path string, image [][]color) error {
	height := len(image)
	width := len(image[0])

	rowSize := width*3 + (4-(width*3)%4)%4
	pixelBytes := rowSize * height

	fh := bmpFileHeader{
		Magic:      [2]byte{'B', 'M'},
		OffsetData: 14 + 40,
	}
	fh.FileSize = fh.OffsetData + uint32(pixelBytes)

	ih := bmpInfoHeader{
		Size:         40,
		Width:        int32(width),
		Height:       int32(height),
		Planes:       1,
		BitsPerPixel: 24,
		SizeImage:    uint32(pixelBytes),
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "bmpviz: create %s", path)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	if err := binary.Write(w, binary.LittleEndian, fh); err != nil {
		return errors.Wrap(err, "bmpviz: write file header")
	}
	if err := binary.Write(w, binary.LittleEndian, ih); err != nil {
		return errors.Wrap(err, "bmpviz: write info header")
	}

	padding := make([]byte, rowSize-width*3)
	// BMP rows are stored bottom-up.
	for y := height - 1; y >= 0; y-- {
		for _, c := range image[y] {
			if _, err := w.Write([]byte{c.b, c.g, c.r}); err != nil {
				return errors.Wrap(err, "bmpviz: write pixel row")
			}
		}
		if len(padding) > 0 {
			if _, err := w.Write(padding); err != nil {
				return errors.Wrap(err, "bmpviz: write row padding")
			}
		}
	}

	return w.Flush()
}
