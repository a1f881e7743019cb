// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeCacheDataDir creates a directory with one image per class, so the stored
// label identifies the source file even though Save writes records in
// non-deterministic order.
func makeCacheDataDir(t *testing.T) string {
	dataDir := t.TempDir()
	writeImageFile(t, filepath.Join(dataDir, "a_1.png"), newGradientImage(16, 16))
	writeImageFile(t, filepath.Join(dataDir, "b_1.png"), newGradientImage(8, 8))
	writeImageFile(t, filepath.Join(dataDir, "c_1.png"), newGradientImage(24, 16))
	return dataDir
}

func flatFloat32(t *testing.T, tensor *tensors.Tensor) []float32 {
	var values []float32
	tensor.MustConstFlatData(func(flatAny any) {
		values = append(values, flatAny.([]float32)...)
	})
	return values
}

func savePreGenerated(t *testing.T, ds *Dataset, numEpochs int) string {
	filePath := filepath.Join(t.TempDir(), PreGeneratedEvalFileName)
	f, err := os.Create(filePath)
	require.NoError(t, err)
	require.NoError(t, ds.Save(f, numEpochs, false))
	require.NoError(t, f.Close())
	return filePath
}

func TestSaveAndReplay(t *testing.T) {
	ds, err := New(makeCacheDataDir(t), testResolution)
	require.NoError(t, err)
	filePath := savePreGenerated(t, ds, 1)

	info, err := os.Stat(filePath)
	require.NoError(t, err)
	require.Equal(t, int64(3*recordSize(testResolution)), info.Size())

	pds := NewPreGenerated("replay", filePath, testResolution)
	seen := make(map[int32][]float32)
	for {
		spec, inputs, labels, err := pds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, pds, spec)
		require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 3, testResolution, testResolution))
		seen[scalarInt32(t, labels[0])] = flatFloat32(t, inputs[0])
	}
	require.Len(t, seen, 3)

	// Replayed values must match reading the original files directly: both
	// paths quantize through the same 8-bit RGB values.
	for index := 0; index < ds.NumExamples(); index++ {
		imgT, label, err := ds.ReadExample(index)
		require.NoError(t, err)
		assert.Equal(t, flatFloat32(t, imgT), seen[label], "example #%d (label %d)", index, label)
	}
}

func TestSaveMultipleEpochs(t *testing.T) {
	ds, err := New(makeCacheDataDir(t), testResolution)
	require.NoError(t, err)
	filePath := savePreGenerated(t, ds, 3)
	info, err := os.Stat(filePath)
	require.NoError(t, err)
	require.Equal(t, int64(3*3*recordSize(testResolution)), info.Size())
}

func TestSaveRejectsInfinite(t *testing.T) {
	ds, err := New(makeCacheDataDir(t), testResolution)
	require.NoError(t, err)
	ds.Infinite(true)
	require.Error(t, ds.Save(io.Discard, 1, false))
}

func TestPreGeneratedBatch(t *testing.T) {
	ds, err := New(makeCacheDataDir(t), testResolution)
	require.NoError(t, err)
	filePath := savePreGenerated(t, ds, 1)

	// 3 stored examples with batches of 2: one full batch, then the trailing
	// incomplete batch is dropped.
	pds := NewPreGenerated("batched", filePath, testResolution).BatchSize(2)
	_, inputs, labels, err := pds.Yield()
	require.NoError(t, err)
	require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 2, 3, testResolution, testResolution))
	require.NoError(t, labels[0].Shape().Check(dtypes.Int32, 2))
	_, _, _, err = pds.Yield()
	require.ErrorIs(t, err, io.EOF)

	// Reset restarts from the beginning of the file.
	pds.Reset()
	_, inputs, _, err = pds.Yield()
	require.NoError(t, err)
	require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 2, 3, testResolution, testResolution))
}

func TestPreGeneratedInfinite(t *testing.T) {
	ds, err := New(makeCacheDataDir(t), testResolution)
	require.NoError(t, err)
	filePath := savePreGenerated(t, ds, 1)

	pds := NewPreGenerated("infinite", filePath, testResolution).BatchSize(2).Infinite(true)
	for ii := 0; ii < 5; ii++ {
		_, inputs, _, err := pds.Yield()
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 2, 3, testResolution, testResolution))
	}
}

func TestPreGeneratedMaxSteps(t *testing.T) {
	ds, err := New(makeCacheDataDir(t), testResolution)
	require.NoError(t, err)
	filePath := savePreGenerated(t, ds, 1)

	pds := NewPreGenerated("limited", filePath, testResolution).Infinite(true).WithMaxSteps(3)
	for ii := 0; ii < 2; ii++ {
		_, _, _, err := pds.Yield()
		require.NoError(t, err)
	}
	_, _, _, err = pds.Yield()
	require.ErrorIs(t, err, io.EOF)
}

func TestPreGeneratedOptions(t *testing.T) {
	ds, err := New(makeCacheDataDir(t), testResolution)
	require.NoError(t, err)
	filePath := savePreGenerated(t, ds, 1)

	pds := NewPreGenerated("options", filePath, testResolution).
		WithLabels(false).WithDType(dtypes.BFloat16)
	assert.Equal(t, "options", pds.Name())
	_, inputs, labels, err := pds.Yield()
	require.NoError(t, err)
	require.NoError(t, inputs[0].Shape().Check(dtypes.BFloat16, 3, testResolution, testResolution))
	assert.Empty(t, labels)
}

func TestPreGeneratedMissingFile(t *testing.T) {
	pds := NewPreGenerated("missing", filepath.Join(t.TempDir(), "nope.bin"), testResolution)
	_, _, _, err := pds.Yield()
	require.Error(t, err)
}
