// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testResolution = 8

// makeTestDataDir creates a directory with 5 images of 3 classes, in various
// sizes and aspect ratios. Discovery order (sorted) is bird_1, cat_1, cat_2,
// dog_1, dog_2, so labels are [0, 1, 1, 2, 2].
func makeTestDataDir(t *testing.T) string {
	dataDir := t.TempDir()
	writeImageFile(t, filepath.Join(dataDir, "bird_1.png"), newGradientImage(16, 16))
	writeImageFile(t, filepath.Join(dataDir, "cat_1.png"), newGradientImage(8, 8))
	writeImageFile(t, filepath.Join(dataDir, "cat_2.png"), newGradientImage(20, 16))
	writeImageFile(t, filepath.Join(dataDir, "dog_1.png"), newGradientImage(16, 32))
	writeImageFile(t, filepath.Join(dataDir, "dog_2.png"), newGradientImage(40, 40))
	return dataDir
}

func scalarInt32(t *testing.T, tensor *tensors.Tensor) int32 {
	require.NoError(t, tensor.Shape().Check(dtypes.Int32))
	var value int32
	tensor.MustConstFlatData(func(flatAny any) {
		value = flatAny.([]int32)[0]
	})
	return value
}

func TestDatasetYieldSingle(t *testing.T) {
	dataDir := makeTestDataDir(t)
	ds, err := New(dataDir, testResolution)
	require.NoError(t, err)
	ds.WithLabels(true)
	require.Equal(t, 5, ds.NumExamples())
	require.Equal(t, 3, ds.NumClasses())
	require.Equal(t, []string{"bird", "cat", "dog"}, ds.ClassNames())

	wantLabels := []int32{0, 1, 1, 2, 2}
	for epoch := 0; epoch < 2; epoch++ {
		for ii := 0; ii < 5; ii++ {
			spec, inputs, labels, err := ds.Yield()
			require.NoError(t, err)
			assert.Equal(t, ds, spec)
			require.Len(t, inputs, 1)
			require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 3, testResolution, testResolution))
			require.Len(t, labels, 1)
			assert.Equal(t, wantLabels[ii], scalarInt32(t, labels[0]))
			inputs[0].MustConstFlatData(func(flatAny any) {
				for _, v := range flatAny.([]float32) {
					assert.GreaterOrEqual(t, v, float32(-1))
					assert.LessOrEqual(t, v, float32(1))
				}
			})
		}
		_, _, _, err = ds.Yield()
		require.ErrorIs(t, err, io.EOF)
		ds.Reset()
	}
}

func TestDatasetYieldNoLabels(t *testing.T) {
	ds, err := New(makeTestDataDir(t), testResolution)
	require.NoError(t, err)
	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Empty(t, labels)
}

func TestDatasetBatch(t *testing.T) {
	dataDir := makeTestDataDir(t)

	// Incomplete last batch is yielded smaller.
	ds, err := New(dataDir, testResolution)
	require.NoError(t, err)
	ds.WithLabels(true).BatchSize(2, false)
	for _, wantBatch := range []int{2, 2, 1} {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, wantBatch, 3, testResolution, testResolution))
		require.NoError(t, labels[0].Shape().Check(dtypes.Int32, wantBatch))
	}
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	// Incomplete last batch is dropped.
	ds, err = New(dataDir, testResolution)
	require.NoError(t, err)
	ds.BatchSize(2, true)
	for ii := 0; ii < 2; ii++ {
		_, inputs, _, err := ds.Yield()
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 2, 3, testResolution, testResolution))
	}
	_, _, _, err = ds.Yield()
	require.ErrorIs(t, err, io.EOF)
}

func TestDatasetShuffle(t *testing.T) {
	dataDir := makeTestDataDir(t)
	readLabels := func(seed int64) []int32 {
		ds, err := New(dataDir, testResolution)
		require.NoError(t, err)
		ds.WithLabels(true).Shuffle(rand.New(rand.NewSource(seed)))
		var got []int32
		for {
			_, _, labels, err := ds.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			got = append(got, scalarInt32(t, labels[0]))
		}
		return got
	}

	// Same seed yields the same order; one epoch still covers every example.
	first := readLabels(42)
	second := readLabels(42)
	assert.Equal(t, first, second)
	require.Len(t, first, 5)
	counts := make(map[int32]int)
	for _, label := range first {
		counts[label]++
	}
	assert.Equal(t, map[int32]int{0: 1, 1: 2, 2: 2}, counts)
}

func TestDatasetShard(t *testing.T) {
	dataDir := makeTestDataDir(t)
	ds0, err := New(dataDir, testResolution)
	require.NoError(t, err)
	ds0.Shard(0, 2)
	ds1, err := New(dataDir, testResolution)
	require.NoError(t, err)
	ds1.Shard(1, 2)

	assert.Equal(t, 3, ds0.NumExamples())
	assert.Equal(t, 2, ds1.NumExamples())
	assert.Equal(t, []int32{0, 1, 2}, ds0.Labels())
	assert.Equal(t, []int32{1, 2}, ds1.Labels())

	// Class names stay global, so labels agree across shards.
	assert.Equal(t, 3, ds0.NumClasses())
	assert.Equal(t, 3, ds1.NumClasses())

	// An invalid shard surfaces as an error on Yield.
	dsBad, err := New(dataDir, testResolution)
	require.NoError(t, err)
	dsBad.Shard(2, 2)
	_, _, _, err = dsBad.Yield()
	require.Error(t, err)
}

func TestDatasetInfinite(t *testing.T) {
	ds, err := New(makeTestDataDir(t), testResolution)
	require.NoError(t, err)
	ds.WithLabels(true).Infinite(true)
	wantLabels := []int32{0, 1, 1, 2, 2}
	for ii := 0; ii < 12; ii++ {
		_, inputs, labels, err := ds.Yield()
		require.NoError(t, err)
		require.NoError(t, inputs[0].Shape().Check(dtypes.Float32, 3, testResolution, testResolution))
		assert.Equal(t, wantLabels[ii%5], scalarInt32(t, labels[0]))
	}
}

func TestDatasetDType(t *testing.T) {
	ds, err := New(makeTestDataDir(t), testResolution)
	require.NoError(t, err)
	ds.WithDType(dtypes.Float64)
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	require.NoError(t, inputs[0].Shape().Check(dtypes.Float64, 3, testResolution, testResolution))
}

func TestDatasetReadExample(t *testing.T) {
	ds, err := New(makeTestDataDir(t), testResolution)
	require.NoError(t, err)
	imgT, label, err := ds.ReadExample(3)
	require.NoError(t, err)
	require.NoError(t, imgT.Shape().Check(dtypes.Float32, 3, testResolution, testResolution))
	assert.Equal(t, int32(2), label)

	_, _, err = ds.ReadExample(5)
	require.Error(t, err)
	_, _, err = ds.ReadExample(-1)
	require.Error(t, err)
}

func TestDatasetDecodeError(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "junk_1.png"), []byte("not an image"), 0644))
	ds, err := New(dataDir, testResolution)
	require.NoError(t, err)
	_, _, _, err = ds.Yield()
	require.ErrorContains(t, err, "failed to decode image file")
}

func TestNewErrors(t *testing.T) {
	_, err := New("", testResolution)
	require.ErrorIs(t, err, ErrUnspecifiedDataDir)

	_, err = New(t.TempDir(), 0)
	require.Error(t, err)

	// A directory without any image file is an error too.
	_, err = New(t.TempDir(), testResolution)
	require.Error(t, err)
}
