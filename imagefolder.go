// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagefolder provides a train.Dataset implementation that feeds a GoMLX
// training loop from a directory of image files.
//
// It recursively discovers image files (jpg, jpeg, png and gif, matched
// case-insensitively), optionally derives class labels from the file names, and
// preprocesses each image to a fixed square resolution: progressive box-filter
// halving, one bicubic resize, a centered (or random) crop, and normalization of
// the pixel values to [-1, 1) in channel-first layout, shaped `[3, R, R]`.
//
// Class labels are derived from the file names: everything up to the first "_"
// of the base name is the class name, and the sorted set of class names defines
// the label indices — deterministic for a fixed directory content.
//
// Usage example:
//
//	ds, err := imagefolder.New("~/datasets/flowers", 64)
//	if err != nil { ... }
//	ds.WithLabels(true).BatchSize(32, true).Shuffle(rng).Infinite(true)
//	loop.RunSteps(datasets.CustomParallel(ds).Buffer(32).Start(), numSteps)
package imagefolder

import (
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// LabelKey names the class label field when examples are serialized to formats
// keyed by name. Within a train.Dataset the label is simply the first `labels`
// tensor yielded.
const LabelKey = "label"

// ErrUnspecifiedDataDir is returned when the dataset directory is empty ("").
var ErrUnspecifiedDataDir = errors.New("unspecified data directory")

// Extensions recognized as image files, matched case-insensitively against the
// file name suffix.
var Extensions = []string{".jpg", ".jpeg", ".png", ".gif"}

// hasImageExtension reports whether the file name carries one of the recognized
// image extensions, case-insensitively.
func hasImageExtension(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// ListImageFiles recursively enumerates the image files under dataDir.
//
// Entries of each directory are visited in lexicographic order and
// subdirectories are recursed into in place, so a subdirectory's files appear
// at the point the subdirectory name sorts in its parent listing. Files without
// a recognized extension are silently skipped.
//
// It returns ErrUnspecifiedDataDir if dataDir is empty.
func ListImageFiles(dataDir string) ([]string, error) {
	if dataDir == "" {
		return nil, ErrUnspecifiedDataDir
	}
	var files []string
	err := listImageFilesRecursively(dataDir, &files)
	if err != nil {
		return nil, err
	}
	return files, nil
}

func listImageFilesRecursively(dir string, files *[]string) error {
	entries, err := os.ReadDir(dir) // Sorted by file name.
	if err != nil {
		return errors.Wrapf(err, "failed to list directory %q", dir)
	}
	for _, entry := range entries {
		fullPath := path.Join(dir, entry.Name())
		if entry.IsDir() {
			if err := listImageFilesRecursively(fullPath, files); err != nil {
				return err
			}
			continue
		}
		if hasImageExtension(entry.Name()) {
			*files = append(*files, fullPath)
		}
	}
	return nil
}

// ClassName derives the class name of an image file: the base file name up to
// (but excluding) the first "_". A name without "_" is its own class, extension
// included.
func ClassName(filePath string) string {
	base := path.Base(filePath)
	name, _, _ := strings.Cut(base, "_")
	return name
}

// ClassesFromFiles derives the class labels for the given image files.
//
// It returns the sorted set of distinct class names (see ClassName) and, for
// each file, the index of its class in that set. The assignment is
// deterministic: the same file list always produces the same labels.
func ClassesFromFiles(files []string) (classNames []string, labels []int32) {
	seen := make(map[string]bool)
	for _, filePath := range files {
		name := ClassName(filePath)
		if !seen[name] {
			seen[name] = true
			classNames = append(classNames, name)
		}
	}
	sort.Strings(classNames)
	classToIdx := make(map[string]int32, len(classNames))
	for idx, name := range classNames {
		classToIdx[name] = int32(idx)
	}
	labels = make([]int32, len(files))
	for ii, filePath := range files {
		labels[ii] = classToIdx[ClassName(filePath)]
	}
	return
}

// ShardFiles deterministically partitions files across numShards parallel
// workers by fixed stride: shard s keeps files[s], files[s+numShards],
// files[s+2*numShards], etc. Shards are disjoint and together cover all files.
func ShardFiles(files []string, shard, numShards int) ([]string, error) {
	if numShards <= 0 {
		return nil, errors.Errorf("invalid number of shards %d, must be > 0", numShards)
	}
	if shard < 0 || shard >= numShards {
		return nil, errors.Errorf("invalid shard %d for %d shards, must be in [0, %d)", shard, numShards, numShards)
	}
	sharded := make([]string, 0, (len(files)+numShards-1-shard)/numShards)
	for ii := shard; ii < len(files); ii += numShards {
		sharded = append(sharded, files[ii])
	}
	return sharded, nil
}
