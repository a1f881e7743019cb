// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"math/rand"
	"os"
	"path"
	"time"

	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// This file implements the high level tasks: building ready-to-train loaders
// and pre-generating preprocessed datasets.

// File names used by PreGenerate and looked up by CreateDatasets, relative to
// Config.DataDir.
const (
	PreGeneratedTrainFileName = "train_data.bin"
	PreGeneratedEvalFileName  = "eval_data.bin"
)

// Config of the dataset construction tasks.
type Config struct {
	// DataDir with the image files, scanned recursively. Pre-generated files
	// are also stored here.
	DataDir string

	// Resolution (height and width) of the yielded images.
	Resolution int

	// DType of the yielded image tensors.
	DType dtypes.DType

	// BatchSize for batches. If 0, single examples are yielded.
	BatchSize int

	// ClassConditional makes the datasets yield the class label derived from
	// the file names.
	ClassConditional bool

	// RandomCrop and RandomFlip augmentations, applied to the training dataset
	// only.
	RandomCrop, RandomFlip bool

	// Shard / NumShards select a deterministic stride partition of the files,
	// for parallel workers each consuming a disjoint part of the data.
	// NumShards <= 1 disables sharding.
	Shard, NumShards int

	// ForceOriginal makes CreateDatasets ignore pre-generated files even when
	// present.
	ForceOriginal bool

	// UseParallelism wraps the dynamically-loading datasets with
	// datasets.CustomParallel.
	UseParallelism bool

	// BufferSize of cached batches for datasets.CustomParallel.
	BufferSize int
}

// DefaultConfig used by the demo and tests.
var DefaultConfig = &Config{
	Resolution:     64,
	DType:          dtypes.Float32,
	BatchSize:      32,
	RandomFlip:     true,
	NumShards:      1,
	UseParallelism: true,
	BufferSize:     32,
}

// newDataset builds a Dataset according to config. Augmentations are only
// applied if augment is set.
func newDataset(name string, config *Config, augment bool) (*Dataset, error) {
	ds, err := New(config.DataDir, config.Resolution)
	if err != nil {
		return nil, err
	}
	dropIncomplete := augment // Training wants constant batch shapes, evaluation wants every example.
	ds.WithName(name).
		WithLabels(config.ClassConditional).
		BatchSize(config.BatchSize, dropIncomplete).
		WithDType(config.DType)
	if augment {
		ds.WithRandomCrop(config.RandomCrop).WithRandomFlip(config.RandomFlip)
	}
	if config.NumShards > 1 {
		ds.Shard(config.Shard, config.NumShards)
	}
	return ds, nil
}

// PreGenerate writes the preprocessed datasets to DataDir: numEpochs epochs of
// the training data (with the configured augmentations) and one deterministic
// epoch of the evaluation data. CreateDatasets picks these files up
// automatically. If verbose is set, progress bars are displayed.
func PreGenerate(config *Config, numEpochs int, verbose bool) error {
	dataDir, err := fsutil.ReplaceTildeInDir(config.DataDir)
	if err != nil {
		return err
	}

	// Deterministic data for evaluation.
	evalPath := path.Join(dataDir, PreGeneratedEvalFileName)
	f, err := os.Create(evalPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", evalPath)
	}
	ds, err := newDataset("eval", config, false)
	if err != nil {
		return err
	}
	if err = ds.Save(f, 1, verbose); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", evalPath)
	}

	// Training data, shuffled and augmented.
	trainPath := path.Join(dataDir, PreGeneratedTrainFileName)
	f, err = os.Create(trainPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", trainPath)
	}
	ds, err = newDataset("train", config, true)
	if err != nil {
		return err
	}
	ds.Shuffle(rand.New(rand.NewSource(time.Now().UTC().UnixNano())))
	if err = ds.Save(f, numEpochs, verbose); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", trainPath)
	}
	return nil
}

// CreateDatasets builds the training and evaluation datasets for config.
//
// The training dataset is infinite, shuffled and augmented; the evaluation
// dataset deterministic and one epoch long. If pre-generated files exist in
// DataDir (see PreGenerate) they are replayed instead of dynamically loading
// and resizing images — typically much faster. Dynamically-loading datasets
// are wrapped with datasets.CustomParallel when UseParallelism is set.
func CreateDatasets(config *Config) (trainDS, evalDS train.Dataset, err error) {
	dataDir, err := fsutil.ReplaceTildeInDir(config.DataDir)
	if err != nil {
		return nil, nil, err
	}

	trainPath := path.Join(dataDir, PreGeneratedTrainFileName)
	if exists, _ := fsutil.FileExists(trainPath); exists && !config.ForceOriginal {
		trainDS = NewPreGenerated("train", trainPath, config.Resolution).
			BatchSize(config.BatchSize).
			Infinite(true).
			WithLabels(config.ClassConditional).
			WithDType(config.DType)
	} else {
		var ds *Dataset
		ds, err = newDataset("train", config, true)
		if err != nil {
			return nil, nil, err
		}
		ds.Shuffle(rand.New(rand.NewSource(time.Now().UTC().UnixNano()))).Infinite(true)
		trainDS = ds
		if config.UseParallelism {
			trainDS = datasets.CustomParallel(trainDS).Buffer(config.BufferSize).Start()
		}
	}

	evalPath := path.Join(dataDir, PreGeneratedEvalFileName)
	if exists, _ := fsutil.FileExists(evalPath); exists && !config.ForceOriginal {
		evalDS = NewPreGenerated("eval", evalPath, config.Resolution).
			BatchSize(config.BatchSize).
			WithLabels(config.ClassConditional).
			WithDType(config.DType)
	} else {
		var ds *Dataset
		ds, err = newDataset("eval", config, false)
		if err != nil {
			return nil, nil, err
		}
		evalDS = ds
		if config.UseParallelism {
			evalDS = datasets.CustomParallel(evalDS).Buffer(config.BufferSize).Start()
		}
	}
	return trainDS, evalDS, nil
}
