// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"image"
	"math"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Crop-fraction range used by RandomCrop: the smaller side of the crop window,
// relative to the target resolution, is sampled from [1/maxCropFrac, 1/minCropFrac].
const (
	minCropFrac = 0.8
	maxCropFrac = 1.0
)

// halveWhileLarge repeatedly halves both image dimensions with a box filter
// while the smaller side is at least twice the target. The pre-halving avoids
// the aliasing of a single large downscale step.
func halveWhileLarge(img image.Image, target int) image.Image {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	for min(width, height) >= 2*target {
		width, height = width/2, height/2
		img = imaging.Resize(img, width, height, imaging.Box)
	}
	return img
}

// scaleSmallerSideTo resizes img, preserving aspect ratio, so its smaller side
// becomes exactly target. CatmullRom is the bicubic filter of the imaging
// package.
func scaleSmallerSideTo(img image.Image, target int) image.Image {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	scale := float64(target) / float64(min(width, height))
	width = int(math.Round(float64(width) * scale))
	height = int(math.Round(float64(height) * scale))
	return imaging.Resize(img, width, height, imaging.CatmullRom)
}

// CenterCrop preprocesses img to a square resolution x resolution image: it
// repeatedly halves the dimensions (box filter) while the smaller side is at
// least 2*resolution, then does one bicubic resize so the smaller side is
// exactly resolution, and finally takes the centered square crop.
//
// Crop offsets use integer floor division, so for an odd difference the crop
// is asymmetric by one pixel.
func CenterCrop(img image.Image, resolution int) image.Image {
	img = halveWhileLarge(img, resolution)
	img = scaleSmallerSideTo(img, resolution)
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	cropX := (width - resolution) / 2
	cropY := (height - resolution) / 2
	return imaging.Crop(img, image.Rect(cropX, cropY, cropX+resolution, cropY+resolution))
}

// RandomCrop is the augmenting variant of CenterCrop: the smaller side is
// resized to a size sampled from [⌈resolution/maxCropFrac⌉, ⌈resolution/minCropFrac⌉]
// (same box-filter halving prelude), and the resolution x resolution crop
// window is placed uniformly at random.
func RandomCrop(img image.Image, resolution int, rng *rand.Rand) image.Image {
	minSmallerSide := int(math.Ceil(float64(resolution) / maxCropFrac))
	maxSmallerSide := int(math.Ceil(float64(resolution) / minCropFrac))
	smallerSide := minSmallerSide + rng.Intn(maxSmallerSide-minSmallerSide+1)

	img = halveWhileLarge(img, smallerSide)
	img = scaleSmallerSideTo(img, smallerSide)
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	cropX := rng.Intn(width - resolution + 1)
	cropY := rng.Intn(height - resolution + 1)
	return imaging.Crop(img, image.Rect(cropX, cropY, cropX+resolution, cropY+resolution))
}
