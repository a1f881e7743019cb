// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math/rand"
	"os"
	"path"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Dataset implements train.Dataset on top of a directory of image files.
//
// Every yielded image goes through the CenterCrop (or RandomCrop) pipeline and
// is normalized to [-1, 1) in channel-first layout. Index selection is
// concurrency-safe, so a Dataset can be wrapped with datasets.CustomParallel
// to parallelize the decoding and resizing.
type Dataset struct {
	name       string
	dataDir    string
	resolution int

	files      []string
	classNames []string
	labels     []int32

	// Configuration, meant to be set before the first Yield.
	withLabels             bool
	batchSize              int
	dropIncomplete         bool
	infinite               bool
	randomCrop, randomFlip bool
	dtype                  dtypes.DType
	toTensor               *ToTensorConfig
	err                    error

	// shuffle, order and next are protected by mu.
	mu      sync.Mutex
	shuffle *rand.Rand
	order   []int
	next    int

	// rng drives the random augmentations. Protected by muRng.
	muRng sync.Mutex
	rng   *rand.Rand
}

var _ train.Dataset = &Dataset{}

// New creates a Dataset from the image files found (recursively) under
// dataDir, preprocessed to resolution x resolution.
//
// Class names are derived from all discovered files before any sharding, so
// label indices are consistent across shards. The returned Dataset yields
// single examples, deterministically, for one epoch; see WithLabels,
// BatchSize, Shuffle, Shard, Infinite, WithRandomCrop and WithRandomFlip to
// change that.
//
// It returns ErrUnspecifiedDataDir if dataDir is empty.
func New(dataDir string, resolution int) (*Dataset, error) {
	if resolution <= 0 {
		return nil, errors.Errorf("invalid resolution %d, must be > 0", resolution)
	}
	dataDir, err := fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return nil, err
	}
	files, err := ListImageFiles(dataDir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.Errorf("no image files found under %q", dataDir)
	}
	classNames, labels := ClassesFromFiles(files)
	klog.V(1).Infof("imagefolder: found %d image files (%d classes) under %q", len(files), len(classNames), dataDir)
	return &Dataset{
		name:       "imagefolder(" + path.Base(dataDir) + ")",
		dataDir:    dataDir,
		resolution: resolution,
		files:      files,
		classNames: classNames,
		labels:     labels,
		dtype:      dtypes.Float32,
		toTensor:   ToTensor(dtypes.Float32),
		rng:        rand.New(rand.NewSource(time.Now().UTC().UnixNano())),
	}, nil
}

// WithName sets the value returned by Name. It returns the Dataset, so calls
// can be cascaded.
func (ds *Dataset) WithName(name string) *Dataset {
	ds.name = name
	return ds
}

// WithLabels configures whether Yield returns the class label as its labels
// tensor. It returns the Dataset, so calls can be cascaded.
func (ds *Dataset) WithLabels(withLabels bool) *Dataset {
	ds.withLabels = withLabels
	return ds
}

// BatchSize configures Yield to return batches of n examples, shaped
// `[n, 3, resolution, resolution]`, instead of single rank-3 examples.
//
// If dropIncomplete is true the last batch of an epoch is dropped when there
// are not enough examples left to fill it; otherwise a smaller batch is
// returned. It returns the Dataset, so calls can be cascaded.
func (ds *Dataset) BatchSize(n int, dropIncomplete bool) *Dataset {
	if n < 0 {
		ds.err = errors.Errorf("invalid batch size %d, must be >= 0", n)
		return ds
	}
	ds.batchSize = n
	ds.dropIncomplete = dropIncomplete
	return ds
}

// Shuffle makes the dataset yield examples in random order, using the given
// rng: a new permutation per epoch if finite, sampling with replacement if
// infinite. It returns the Dataset, so calls can be cascaded.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.shuffle = rng
	ds.order = nil
	return ds
}

// Infinite configures the dataset to loop indefinitely, never returning
// io.EOF. Typically used for training with train.Loop.RunSteps. It returns the
// Dataset, so calls can be cascaded.
func (ds *Dataset) Infinite(infinite bool) *Dataset {
	ds.infinite = infinite
	return ds
}

// WithRandomCrop replaces the centered crop by a randomly scaled and placed
// crop, for data augmentation. It returns the Dataset, so calls can be
// cascaded.
func (ds *Dataset) WithRandomCrop(randomCrop bool) *Dataset {
	ds.randomCrop = randomCrop
	return ds
}

// WithRandomFlip enables random horizontal flipping (probability 0.5), for
// data augmentation. It returns the Dataset, so calls can be cascaded.
func (ds *Dataset) WithRandomFlip(randomFlip bool) *Dataset {
	ds.randomFlip = randomFlip
	return ds
}

// WithDType sets the dtype of the yielded image tensors. Supported: Float32
// (default), Float64, Float16 and BFloat16. It returns the Dataset, so calls
// can be cascaded.
func (ds *Dataset) WithDType(dtype dtypes.DType) *Dataset {
	ds.dtype = dtype
	ds.toTensor = ToTensor(dtype)
	return ds
}

// Shard keeps only the files of the given shard, partitioned by fixed stride
// across numShards parallel workers (see ShardFiles). Class names keep being
// derived from the full file list, so labels agree across shards. It returns
// the Dataset, so calls can be cascaded.
func (ds *Dataset) Shard(shard, numShards int) *Dataset {
	files, err := ShardFiles(ds.files, shard, numShards)
	if err != nil {
		ds.err = err
		return ds
	}
	labels := make([]int32, 0, len(files))
	for ii := shard; ii < len(ds.labels); ii += numShards {
		labels = append(labels, ds.labels[ii])
	}
	ds.files = files
	ds.labels = labels
	ds.mu.Lock()
	ds.order = nil
	ds.next = 0
	ds.mu.Unlock()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// NumExamples in this dataset — after sharding, if Shard was used.
func (ds *Dataset) NumExamples() int { return len(ds.files) }

// NumClasses distinguished by the label derivation, always counted over the
// full (unsharded) file list.
func (ds *Dataset) NumClasses() int { return len(ds.classNames) }

// ClassNames returns the sorted class names. Index in the slice is the label
// value. The returned slice is owned by the Dataset, don't change it.
func (ds *Dataset) ClassNames() []string { return ds.classNames }

// Labels returns the class label of each file of the dataset, aligned with the
// discovery (and sharding) order. The returned slice is owned by the Dataset,
// don't change it.
func (ds *Dataset) Labels() []int32 { return ds.labels }

// Resolution of the yielded images.
func (ds *Dataset) Resolution() int { return ds.resolution }

// nextIndex returns the index of the next example to yield, or io.EOF at the
// end of an epoch of a finite dataset. Concurrency-safe.
func (ds *Dataset) nextIndex() (int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	numFiles := len(ds.files)
	if numFiles == 0 {
		return 0, io.EOF
	}
	if ds.infinite {
		if ds.shuffle != nil {
			// Sample with replacement.
			return ds.shuffle.Intn(numFiles), nil
		}
		index := ds.next
		ds.next = (ds.next + 1) % numFiles
		return index, nil
	}
	if ds.next >= numFiles {
		return 0, io.EOF
	}
	index := ds.next
	ds.next++
	if ds.shuffle != nil {
		if ds.order == nil {
			ds.order = ds.shuffle.Perm(numFiles)
		}
		index = ds.order[index]
	}
	return index, nil
}

// newRand derives an independent rng for one example, so decoding and resizing
// run outside any lock when parallelized.
func (ds *Dataset) newRand() *rand.Rand {
	ds.muRng.Lock()
	defer ds.muRng.Unlock()
	return rand.New(rand.NewSource(ds.rng.Int63()))
}

// readImage loads, decodes and preprocesses (crop pipeline plus augmentations)
// the image of the given index. Decode failures are returned wrapped,
// otherwise unmodified — there are no retries.
func (ds *Dataset) readImage(index int) (image.Image, int32, error) {
	filePath := ds.files[index]
	f, err := os.Open(filePath)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to open image file %q", filePath)
	}
	img, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to decode image file %q", filePath)
	}
	if ds.randomCrop || ds.randomFlip {
		rng := ds.newRand()
		if ds.randomCrop {
			img = RandomCrop(img, ds.resolution, rng)
		} else {
			img = CenterCrop(img, ds.resolution)
		}
		if ds.randomFlip && rng.Intn(2) == 1 {
			img = imaging.FlipH(img)
		}
	} else {
		img = CenterCrop(img, ds.resolution)
	}
	return img, ds.labels[index], nil
}

// ReadExample preprocesses the example of the given index: a tensor shaped
// `[3, resolution, resolution]`, values in [-1, 1), and its class label.
func (ds *Dataset) ReadExample(index int) (imgT *tensors.Tensor, label int32, err error) {
	if index < 0 || index >= len(ds.files) {
		err = errors.Errorf("example index %d out of range [0, %d)", index, len(ds.files))
		return
	}
	img, label, err := ds.readImage(index)
	if err != nil {
		return
	}
	imgT, err = ds.toTensor.Single(img)
	return
}

// Yield implements train.Dataset. It returns:
//
//   - spec: the Dataset pointer itself.
//   - inputs: one tensor, the preprocessed image shaped `[3, resolution, resolution]`
//     — or `[batch_size, 3, resolution, resolution]` if BatchSize was set.
//   - labels: one int32 tensor with the class label(s), if WithLabels was set.
//     Otherwise empty.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.err != nil {
		err = ds.err
		return
	}
	spec = ds
	single := ds.batchSize == 0
	n := ds.batchSize
	if single {
		n = 1
	}
	images := make([]image.Image, 0, n)
	labelValues := make([]int32, 0, n)
	for len(images) < n {
		var index int
		index, err = ds.nextIndex()
		if err == io.EOF {
			if single || ds.dropIncomplete || len(images) == 0 {
				return nil, nil, nil, io.EOF
			}
			err = nil
			break // Yield the incomplete last batch.
		}
		var img image.Image
		var label int32
		img, label, err = ds.readImage(index)
		if err != nil {
			return nil, nil, nil, err
		}
		images = append(images, img)
		labelValues = append(labelValues, label)
	}

	var imgT *tensors.Tensor
	if single {
		imgT, err = ds.toTensor.Single(images[0])
	} else {
		imgT, err = ds.toTensor.Batch(images)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	inputs = []*tensors.Tensor{imgT}
	if ds.withLabels {
		if single {
			labels = []*tensors.Tensor{tensors.FromScalar(labelValues[0])}
		} else {
			labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(labelValues, len(labelValues))}
		}
	}
	return
}

// Reset implements train.Dataset: it restarts the dataset from the beginning,
// drawing a new shuffle order if Shuffle was set.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if ds.shuffle != nil && !ds.infinite {
		ds.order = ds.shuffle.Perm(len(ds.files))
	}
}
