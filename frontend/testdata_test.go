package frontend

import (
	"image"
	"image/color"
)

// syntheticTexture builds a deterministic, high-variance grayscale image so
// detectFeatures/patchCorrelation have real texture to work with, without
// depending on an actual image decoder.
func syntheticTexture(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := pseudoNoise(x, y)
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

// shiftedTexture returns an image where pixel (u,v) equals the source
// image's pixel at (u+dx, v), modeling a rectified stereo pair where dx is
// the scene disparity.
func shiftedTexture(w, h, dx int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := pseudoNoise(x+dx, y)
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return img
}

// syntheticFlatImage returns a textureless image: every patch correlates
// equally poorly with every other, so detectFeatures/triangulateStereo
// cannot bootstrap a map from it.
func syntheticFlatImage(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: 128})
		}
	}
	return img
}

func pseudoNoise(x, y int) uint8 {
	h := uint32(x*374761393 + y*668265263)
	h = (h ^ (h >> 13)) * 1274126177
	h ^= h >> 16
	return uint8(h % 200)
}
