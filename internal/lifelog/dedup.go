package lifelog

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"

	"golang.org/x/image/draw"
)

// perceptualHash computes a 64-bit difference hash (dHash) over an 8x9
// grayscale downscale, the standard cheap perceptual fingerprint for
// near-duplicate detection: resize small, compare adjacent pixel
// brightness, one bit per comparison.
func perceptualHash(data []byte) (uint64, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("lifelog: decode image for hashing: %w", err)
	}

	const w, h = 9, 8
	small := image.NewGray(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(small, small.Bounds(), img, img.Bounds(), draw.Src, nil)

	var hash uint64
	bit := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w-1; x++ {
			left := small.GrayAt(x, y).Y
			right := small.GrayAt(x+1, y).Y
			if left > right {
				hash |= 1 << uint(bit)
			}
			bit++
		}
	}
	return hash, nil
}

// hammingDistance returns the number of differing bits between two hashes.
func hammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// findDuplicate returns the id of the closest-matching recent hash within
// maxDistance, or "" if the frame is novel.
func findDuplicate(hash uint64, recent map[string]uint64, maxDistance int) string {
	bestID := ""
	bestDist := maxDistance + 1
	for id, h := range recent {
		d := hammingDistance(hash, h)
		if d <= maxDistance && d < bestDist {
			bestID, bestDist = id, d
		}
	}
	return bestID
}
