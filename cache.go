// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/x448/float16"
)

// Pre-generated cache file format: a flat sequence of fixed-size records, one
// per example, each a little-endian int32 class label followed by the
// preprocessed 3*R*R RGB bytes in row-major (y, x, channel) order.

// recordSize of one example in a pre-generated cache file.
func recordSize(resolution int) int {
	return 4 + NumChannels*resolution*resolution
}

// encodeRecord serializes one preprocessed example. img must already be the
// resolution x resolution crop.
func encodeRecord(img image.Image, label int32, resolution int) []byte {
	record := make([]byte, recordSize(resolution))
	binary.LittleEndian.PutUint32(record, uint32(label))
	pos := 4
	for y := 0; y < resolution; y++ {
		for x := 0; x < resolution; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			record[pos] = byte(r >> 8)
			record[pos+1] = byte(g >> 8)
			record[pos+2] = byte(b >> 8)
			pos += 3
		}
	}
	return record
}

// Save runs numEpochs epochs of the dataset — with whatever crop pipeline and
// augmentations are configured — and writes the preprocessed examples to w, so
// they can later be replayed much faster with a PreGeneratedDataset.
//
// It reads and preprocesses images with one goroutine per CPU (plus one), so
// the order of the written examples is not deterministic. If verbose is set it
// displays a progress bar.
//
// It fails if the dataset is configured to loop infinitely.
func (ds *Dataset) Save(w io.Writer, numEpochs int, verbose bool) error {
	if ds.err != nil {
		return ds.err
	}
	if ds.infinite {
		return errors.Errorf("cannot Save %d epochs of dataset %q configured to loop infinitely", numEpochs, ds.name)
	}
	var pBar *progressbar.ProgressBar
	if verbose {
		pBar = progressbar.NewOptions(numEpochs*ds.NumExamples(),
			progressbar.OptionSetDescription("Pre-generating"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionSetTheme(progressbar.ThemeUnicode),
		)
	}

	parallelism := runtime.NumCPU() + 1
	for epoch := 0; epoch < numEpochs; epoch++ {
		var wg sync.WaitGroup
		var muWrite sync.Mutex
		errChan := make(chan error, parallelism)
		for ii := 0; ii < parallelism; ii++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					index, err := ds.nextIndex()
					if err == io.EOF {
						return
					}
					img, label, err := ds.readImage(index)
					if err != nil {
						errChan <- err
						return
					}
					record := encodeRecord(img, label, ds.resolution)
					muWrite.Lock()
					_, err = w.Write(record)
					if verbose {
						_ = pBar.Add(1)
					}
					muWrite.Unlock()
					if err != nil {
						errChan <- errors.Wrapf(err, "failed writing pre-generated example of dataset %q", ds.name)
						return
					}
				}
			}()
		}
		wg.Wait()
		close(errChan)
		for err := range errChan {
			if err != nil {
				return err
			}
		}
		ds.Reset()
	}
	if verbose {
		_ = pBar.Close()
		fmt.Println()
	}
	return nil
}

// PreGeneratedDataset implements train.Dataset by replaying the preprocessed
// examples written by Dataset.Save. See NewPreGenerated.
type PreGeneratedDataset struct {
	name       string
	filePath   string
	resolution int
	batchSize  int
	infinite   bool
	withLabels bool
	dtype      dtypes.DType

	file            *os.File
	buffer          []byte
	err             error
	steps, maxSteps int
}

var _ train.Dataset = &PreGeneratedDataset{}

// NewPreGenerated creates a PreGeneratedDataset that yields the examples saved
// in filePath by Dataset.Save with the same resolution.
//
// By default it yields single labeled examples, deterministically in file
// order, for one pass over the file. See BatchSize, Infinite, WithLabels and
// WithDType.
func NewPreGenerated(name, filePath string, resolution int) *PreGeneratedDataset {
	pds := &PreGeneratedDataset{
		name:       name,
		filePath:   filePath,
		resolution: resolution,
		withLabels: true,
		dtype:      dtypes.Float32,
	}
	pds.Reset() // Opens filePath.
	return pds
}

// BatchSize configures Yield to return batches of n examples. It returns the
// PreGeneratedDataset, so calls can be cascaded.
func (pds *PreGeneratedDataset) BatchSize(n int) *PreGeneratedDataset {
	pds.batchSize = n
	return pds
}

// Infinite makes the dataset restart from the start of the file instead of
// returning io.EOF — incomplete trailing batches are dropped. It returns the
// PreGeneratedDataset, so calls can be cascaded.
func (pds *PreGeneratedDataset) Infinite(infinite bool) *PreGeneratedDataset {
	pds.infinite = infinite
	return pds
}

// WithLabels configures whether Yield returns the stored class labels (default
// true). It returns the PreGeneratedDataset, so calls can be cascaded.
func (pds *PreGeneratedDataset) WithLabels(withLabels bool) *PreGeneratedDataset {
	pds.withLabels = withLabels
	return pds
}

// WithDType sets the dtype of the yielded image tensors: Float32 (default),
// Float64, Float16 or BFloat16. It returns the PreGeneratedDataset, so calls
// can be cascaded.
func (pds *PreGeneratedDataset) WithDType(dtype dtypes.DType) *PreGeneratedDataset {
	pds.dtype = dtype
	return pds
}

// WithMaxSteps configures the dataset to exhaust after that many Yield calls,
// returning io.EOF. Useful for testing. It returns the PreGeneratedDataset,
// so calls can be cascaded.
func (pds *PreGeneratedDataset) WithMaxSteps(numSteps int) *PreGeneratedDataset {
	pds.maxSteps = numSteps
	return pds
}

// Name implements train.Dataset.
func (pds *PreGeneratedDataset) Name() string { return pds.name }

// Yield implements train.Dataset. Outputs are shaped like Dataset.Yield:
// images `[3, R, R]` (or `[batch_size, 3, R, R]`), labels int32.
func (pds *PreGeneratedDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if pds.err != nil {
		err = pds.err
		return
	}
	pds.steps++
	if pds.maxSteps > 0 && pds.steps >= pds.maxSteps {
		err = io.EOF
		return
	}

	spec = pds
	single := pds.batchSize == 0
	n := pds.batchSize
	if single {
		n = 1
	}
	if need := n * recordSize(pds.resolution); len(pds.buffer) != need {
		pds.buffer = make([]byte, need)
	}

	retries := 0
	for {
		if pds.file == nil {
			pds.err = errors.Errorf("PreGeneratedDataset for file %q not opened, invalid state", pds.filePath)
			err = pds.err
			return
		}
		_, err = io.ReadFull(pds.file, pds.buffer)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if !pds.infinite {
				err = io.EOF
				return
			}
			if retries != 0 {
				pds.err = errors.Errorf(
					"not enough data for even one batch of %d examples in pre-generated file %q, maybe its generation failed?",
					n, pds.filePath)
				err = pds.err
				return
			}
			retries++
			pds.Reset()
			continue
		}
		if err != nil {
			pds.err = errors.Wrapf(err, "failed reading pre-generated file %q", pds.filePath)
			err = pds.err
			return
		}
		break
	}

	var imgT *tensors.Tensor
	var labelValues []int32
	imgT, labelValues, err = recordsToTensor(pds.buffer, n, pds.resolution, pds.dtype, single)
	if err != nil {
		pds.err = err
		return
	}
	inputs = []*tensors.Tensor{imgT}
	if pds.withLabels {
		if single {
			labels = []*tensors.Tensor{tensors.FromScalar(labelValues[0])}
		} else {
			labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelValues, len(labelValues))}
		}
	}
	return
}

// Reset implements train.Dataset: it reopens the file and restarts from its
// beginning.
func (pds *PreGeneratedDataset) Reset() {
	pds.steps = 0
	if pds.file != nil {
		_ = pds.file.Close()
	}
	pds.file, pds.err = os.Open(pds.filePath)
	if pds.err != nil {
		pds.err = errors.Wrapf(pds.err, "failed to open pre-generated dataset file %q", pds.filePath)
	}
}

// recordsToTensor converts n cache records to an image tensor — channel-first,
// normalized to [-1, 1) — plus the stored labels.
func recordsToTensor(buffer []byte, n, resolution int, dtype dtypes.DType, single bool) (
	imgT *tensors.Tensor, labels []int32, err error) {
	switch dtype {
	case dtypes.Float32:
		imgT, labels = recordsToTensorImpl[float32](buffer, n, resolution, single)
	case dtypes.Float64:
		imgT, labels = recordsToTensorImpl[float64](buffer, n, resolution, single)
	case dtypes.Float16:
		imgT, labels = recordsToTensorImpl[float16.Float16](buffer, n, resolution, single)
	case dtypes.BFloat16:
		imgT, labels = recordsToTensorImpl[bfloat16.BFloat16](buffer, n, resolution, single)
	default:
		err = errors.Errorf("PreGeneratedDataset does not support dtype %s", dtype)
	}
	return
}

func recordsToTensorImpl[T float32 | float64 | float16.Float16 | bfloat16.BFloat16](
	buffer []byte, n, resolution int, single bool) (imgT *tensors.Tensor, labels []int32) {
	dtype := dtypes.FromGenericsType[T]()
	if single {
		imgT = tensors.FromShape(shapes.Make(dtype, NumChannels, resolution, resolution))
	} else {
		imgT = tensors.FromShape(shapes.Make(dtype, n, NumChannels, resolution, resolution))
	}
	labels = make([]int32, n)
	convert := normalizeFn[T]()
	plane := resolution * resolution
	entrySize := recordSize(resolution)
	imgT.MustMutableFlatData(func(flatAny any) {
		flat := flatAny.([]T)
		for imgIdx := 0; imgIdx < n; imgIdx++ {
			record := buffer[imgIdx*entrySize : (imgIdx+1)*entrySize]
			labels[imgIdx] = int32(binary.LittleEndian.Uint32(record))
			pixels := record[4:]
			base := imgIdx * NumChannels * plane
			for y := 0; y < resolution; y++ {
				for x := 0; x < resolution; x++ {
					pos := base + y*resolution + x
					bufferPos := (y*resolution + x) * NumChannels
					for c := 0; c < NumChannels; c++ {
						flat[pos+c*plane] = convert(pixels[bufferPos+c])
					}
				}
			}
		}
	})
	return
}
