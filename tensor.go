// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagefolder

import (
	"image"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// NumChannels of the yielded image tensors. Images are converted to RGB; the
// alpha channel, if any, is dropped.
const NumChannels = 3

// ToTensorConfig holds the configuration returned by ToTensor. Use Single or
// Batch to actually convert.
type ToTensorConfig struct {
	dtype dtypes.DType
}

// ToTensor converts images to channel-first tensors with values normalized
// from [0, 255] to [-1, 1) via `x/127.5 - 1`.
//
// Supported dtypes: Float32, Float64, Float16 and BFloat16.
func ToTensor(dtype dtypes.DType) *ToTensorConfig {
	return &ToTensorConfig{dtype: dtype}
}

// Single converts one image to a tensor shaped `[3, height, width]`.
func (tt *ToTensorConfig) Single(img image.Image) (*tensors.Tensor, error) {
	return toTensorImpl(tt, []image.Image{img}, false)
}

// Batch converts the given images — all of the same size — to a tensor shaped
// `[batch_size, 3, height, width]`.
func (tt *ToTensorConfig) Batch(images []image.Image) (*tensors.Tensor, error) {
	if len(images) == 0 {
		return nil, errors.Errorf("ToTensor.Batch requires at least one image")
	}
	return toTensorImpl(tt, images, true)
}

func toTensorImpl(tt *ToTensorConfig, images []image.Image, batch bool) (*tensors.Tensor, error) {
	switch tt.dtype {
	case dtypes.Float32:
		return toTensorGenericsImpl[float32](images, batch)
	case dtypes.Float64:
		return toTensorGenericsImpl[float64](images, batch)
	case dtypes.Float16:
		return toTensorGenericsImpl[float16.Float16](images, batch)
	case dtypes.BFloat16:
		return toTensorGenericsImpl[bfloat16.BFloat16](images, batch)
	default:
		return nil, errors.Errorf("imagefolder.ToTensor does not support dtype %s", tt.dtype)
	}
}

// normalizeFn returns the conversion from an 8-bits color channel value to the
// normalized dtype value: it maps [0, 255] to [-1, 1) with `x/127.5 - 1`.
func normalizeFn[T float32 | float64 | float16.Float16 | bfloat16.BFloat16]() func(val uint8) T {
	var zero T
	switch any(zero).(type) {
	case float16.Float16:
		return func(val uint8) T {
			return T(float16.Fromfloat32(float32(val)/127.5 - 1))
		}
	case bfloat16.BFloat16:
		return func(val uint8) T {
			return T(bfloat16.FromFloat32(float32(val)/127.5 - 1))
		}
	default:
		return func(val uint8) T {
			return T(float64(val)/127.5 - 1)
		}
	}
}

func toTensorGenericsImpl[T float32 | float64 | float16.Float16 | bfloat16.BFloat16](
	images []image.Image, batch bool) (*tensors.Tensor, error) {
	imgSize := images[0].Bounds().Size()
	dtype := dtypes.FromGenericsType[T]()
	var t *tensors.Tensor
	if batch {
		t = tensors.FromShape(shapes.Make(dtype, len(images), NumChannels, imgSize.Y, imgSize.X))
	} else {
		t = tensors.FromShape(shapes.Make(dtype, NumChannels, imgSize.Y, imgSize.X))
	}
	convert := normalizeFn[T]()
	var err error
	t.MustMutableFlatData(func(flatAny any) {
		flat := flatAny.([]T)
		for imgIdx, img := range images {
			if !img.Bounds().Size().Eq(imgSize) {
				err = errors.Errorf("image[%d] has size %s, but image[0] has size %s -- they must all be the same",
					imgIdx, img.Bounds().Size(), imgSize)
				return
			}
			// Channel-first: all of R, then all of G, then all of B.
			base := imgIdx * NumChannels * imgSize.Y * imgSize.X
			plane := imgSize.Y * imgSize.X
			for y := 0; y < imgSize.Y; y++ {
				for x := 0; x < imgSize.X; x++ {
					// color.Color.RGBA returns 16 bits values packaged in uint32.
					r, g, b, _ := img.At(x, y).RGBA()
					pos := base + y*imgSize.X + x
					for c, channel := range [NumChannels]uint32{r, g, b} {
						flat[pos+c*plane] = convert(uint8(channel >> 8))
					}
				}
			}
		}
	})
	if err != nil {
		t.MustFinalizeAll()
		return nil, err
	}
	return t, nil
}
