package datasets

import (
	"image"
	"math/rand"

	"github.com/disintegration/imaging"
)

// Transform maps a decoded sample image to the image fed to the model.
// Transforms are applied once per sample, after decode.
type Transform func(image.Image) image.Image

// Compose chains transforms left to right.
func Compose(ts ...Transform) Transform {
	return func(img image.Image) image.Image {
		for _, t := range ts {
			img = t(img)
		}
		return img
	}
}

// Resize scales the image so its shorter side equals size, preserving the
// aspect ratio.
func Resize(size int) Transform {
	return func(img image.Image) image.Image {
		bounds := img.Bounds().Size()
		if bounds.X <= bounds.Y {
			return imaging.Resize(img, size, 0, imaging.Lanczos)
		}
		return imaging.Resize(img, 0, size, imaging.Lanczos)
	}
}

// CenterCrop cuts a size x size region from the image center.
func CenterCrop(size int) Transform {
	return func(img image.Image) image.Image {
		return imaging.CropCenter(img, size, size)
	}
}

// RandomCrop cuts a size x size region at a random position. Images smaller
// than the crop are center-cropped (imaging clamps the region).
func RandomCrop(size int, rng *rand.Rand) Transform {
	return func(img image.Image) image.Image {
		bounds := img.Bounds().Size()
		dx, dy := bounds.X-size, bounds.Y-size
		if dx <= 0 || dy <= 0 {
			return imaging.CropCenter(img, size, size)
		}
		x, y := rng.Intn(dx+1), rng.Intn(dy+1)
		return imaging.Crop(img, image.Rect(x, y, x+size, y+size))
	}
}

// RandomHorizontalFlip mirrors the image left-right with probability 1/2.
func RandomHorizontalFlip(rng *rand.Rand) Transform {
	return func(img image.Image) image.Image {
		if rng.Intn(2) == 1 {
			return imaging.FlipH(img)
		}
		return img
	}
}

// ColorJitter randomly perturbs brightness, contrast and saturation, each
// by a uniform factor in [-strength, strength] (strength 0.3 means up to
// ±30%).
func ColorJitter(brightness, contrast, saturation float64, rng *rand.Rand) Transform {
	jitter := func(strength float64) float64 {
		return (rng.Float64()*2 - 1) * strength * 100
	}
	return func(img image.Image) image.Image {
		if brightness > 0 {
			img = imaging.AdjustBrightness(img, jitter(brightness))
		}
		if contrast > 0 {
			img = imaging.AdjustContrast(img, jitter(contrast))
		}
		if saturation > 0 {
			img = imaging.AdjustSaturation(img, jitter(saturation))
		}
		return img
	}
}

// Standard ImageNet geometry.
const (
	resizeSide = 256
	cropSide   = 224
)

// TrainTransform is the augmenting pipeline used for training: resize to
// 256, random 224 crop, random flip, color jitter.
func TrainTransform(rng *rand.Rand) Transform {
	return Compose(
		Resize(resizeSide),
		RandomCrop(cropSide, rng),
		RandomHorizontalFlip(rng),
		ColorJitter(0.3, 0.3, 0.3, rng),
	)
}

// EvalTransform is the deterministic pipeline used for evaluation: resize
// to 256, center 224 crop.
func EvalTransform() Transform {
	return Compose(
		Resize(resizeSide),
		CenterCrop(cropSide),
	)
}
