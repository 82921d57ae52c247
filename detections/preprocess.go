package detections

import (
	"image"
	"runtime"
	"sync"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return make([]float32, InputWidth*InputHeight*3)
	},
}

// prepareInput converts a resized image into the model's CHW float32
// layout (planar R, G, B in [0,1]) and copies it into dst. Rows are
// split across workers; NRGBA images take a direct Pix path that skips
// the color interface.
func prepareInput(pic image.Image, dst []float32) {
	buffer := bufferPool.Get().([]float32)
	defer bufferPool.Put(buffer)

	numWorkers := runtime.GOMAXPROCS(0)
	rowsPerWorker := InputHeight / numWorkers
	if rowsPerWorker == 0 {
		rowsPerWorker = InputHeight
		numWorkers = 1
	}

	nrgba, fast := pic.(*image.NRGBA)

	var wg sync.WaitGroup
	wg.Add(numWorkers)

	for w := 0; w < numWorkers; w++ {
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if w == numWorkers-1 {
			endY = InputHeight
		}

		go func(startY, endY int) {
			defer wg.Done()
			if fast {
				fillRowsNRGBA(buffer, nrgba, startY, endY)
			} else {
				fillRowsGeneric(buffer, pic, startY, endY)
			}
		}(startY, endY)
	}

	wg.Wait()

	copy(dst, buffer)
}

func fillRowsNRGBA(buffer []float32, img *image.NRGBA, startY, endY int) {
	channelSize := InputWidth * InputHeight
	for y := startY; y < endY; y++ {
		row := img.Pix[y*img.Stride:]
		offset := y * InputWidth
		for x := 0; x < InputWidth; x++ {
			i := offset + x
			p := x * 4
			buffer[i] = float32(row[p]) / 255.0
			buffer[channelSize+i] = float32(row[p+1]) / 255.0
			buffer[channelSize*2+i] = float32(row[p+2]) / 255.0
		}
	}
}

func fillRowsGeneric(buffer []float32, pic image.Image, startY, endY int) {
	channelSize := InputWidth * InputHeight
	bounds := pic.Bounds()
	for y := startY; y < endY; y++ {
		offset := y * InputWidth
		for x := 0; x < InputWidth; x++ {
			i := offset + x
			r, g, b, _ := pic.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			buffer[i] = float32(r>>8) / 255.0
			buffer[channelSize+i] = float32(g>>8) / 255.0
			buffer[channelSize*2+i] = float32(b>>8) / 255.0
		}
	}
}
