package detections

import (
	"image"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
)

var (
	useAVX2  = cpu.X86.HasAVX2
	useASIMD = cpu.ARM64.HasASIMD
)

// TensorPacker converts images into normalized CHW float32 tensors of a
// fixed width x height. Images smaller than the tensor are padded with zeros
// on the right and bottom, so tensor coordinates equal image coordinates.
type TensorPacker struct {
	width, height int
	numWorkers    int
}

func NewTensorPacker(width, height int) *TensorPacker {
	workers := 1
	if (useAVX2 || useASIMD) && runtime.GOMAXPROCS(0) > 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &TensorPacker{
		width:      width,
		height:     height,
		numWorkers: workers,
	}
}

// Parallel reports whether Pack splits rows across goroutines on this host.
func (p *TensorPacker) Parallel() bool {
	return p.numWorkers > 1
}

// Pack writes img into dst, which must hold 3*width*height values.
func (p *TensorPacker) Pack(img image.Image, dst []float32) error {
	need := 3 * p.width * p.height
	if len(dst) < need {
		return errors.Errorf("tensor buffer too small: got %d, want %d", len(dst), need)
	}
	clear(dst[:need])

	rows := min(img.Bounds().Dy(), p.height)
	if p.numWorkers == 1 || rows < p.numWorkers {
		p.packRows(img, dst, 0, rows)
		return nil
	}

	rowsPerWorker := rows / p.numWorkers
	var wg sync.WaitGroup
	wg.Add(p.numWorkers)
	for w := 0; w < p.numWorkers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if w == p.numWorkers-1 {
			end = rows
		}
		go func(start, end int) {
			defer wg.Done()
			p.packRows(img, dst, start, end)
		}(start, end)
	}
	wg.Wait()
	return nil
}

func (p *TensorPacker) packRows(img image.Image, dst []float32, start, end int) {
	bounds := img.Bounds()
	cols := min(bounds.Dx(), p.width)
	channelSize := p.width * p.height

	for y := start; y < end; y++ {
		offset := y * p.width
		switch src := img.(type) {
		case *image.NRGBA:
			row := src.Pix[src.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
			for x := 0; x < cols; x++ {
				i := offset + x
				dst[i] = float32(row[x*4]) / 255.0
				dst[channelSize+i] = float32(row[x*4+1]) / 255.0
				dst[channelSize*2+i] = float32(row[x*4+2]) / 255.0
			}
		case *image.RGBA:
			row := src.Pix[src.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
			for x := 0; x < cols; x++ {
				i := offset + x
				dst[i] = float32(row[x*4]) / 255.0
				dst[channelSize+i] = float32(row[x*4+1]) / 255.0
				dst[channelSize*2+i] = float32(row[x*4+2]) / 255.0
			}
		default:
			for x := 0; x < cols; x++ {
				i := offset + x
				r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				dst[i] = float32(r>>8) / 255.0
				dst[channelSize+i] = float32(g>>8) / 255.0
				dst[channelSize*2+i] = float32(b>>8) / 255.0
			}
		}
	}
}
