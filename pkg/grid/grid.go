// Package grid builds the anti-phishing recovery grid: the user's keystone
// image among eight decoys, in a uniformly random order.
package grid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/forest6511/keystone/pkg/gallery"
)

// Grid dimensions
const (
	Size   = 9
	Decoys = Size - 1
)

// Sentinel errors
var (
	ErrGalleryExhausted = errors.New("grid: gallery has fewer than 8 decoy images")
	ErrUnknownImage     = errors.New("grid: image is not in the gallery")
	ErrInvalidPosition  = errors.New("grid: position out of range")
)

// Tile is one cell of the grid.
type Tile struct {
	ImageID  string                  `json:"image_id"`
	Category string                  `json:"category"`
	Metadata gallery.DisplayMetadata `json:"metadata"`
}

// Grid is a frozen 3x3 presentation.
type Grid [Size]Tile

// Resolve maps a submitted position to the image id shown there.
func (g *Grid) Resolve(position int) (string, error) {
	if position < 0 || position >= Size {
		return "", ErrInvalidPosition
	}
	return g[position].ImageID, nil
}

// Generator draws grids from a gallery.
type Generator struct {
	gallery *gallery.Gallery
	rand    io.Reader
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator(g *gallery.Gallery) *Generator {
	return &Generator{gallery: g, rand: rand.Reader}
}

// Generate selects 8 distinct decoys uniformly from the gallery excluding
// correctImageID, then shuffles all 9 with a uniform permutation.
func (gen *Generator) Generate(correctImageID string) (*Grid, error) {
	correct, err := gen.gallery.Lookup(correctImageID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownImage, correctImageID)
	}

	n := gen.gallery.Len()
	if n-1 < Decoys {
		return nil, ErrGalleryExhausted
	}

	// Partial Fisher-Yates over candidate indices, skipping the answer.
	pool := make([]int, 0, n-1)
	for i := 0; i < n; i++ {
		if gen.gallery.At(i).ID != correct.ID {
			pool = append(pool, i)
		}
	}
	for i := 0; i < Decoys; i++ {
		j, err := gen.intn(len(pool) - i)
		if err != nil {
			return nil, err
		}
		pool[i], pool[i+j] = pool[i+j], pool[i]
	}

	var g Grid
	g[0] = tile(correct)
	for i := 0; i < Decoys; i++ {
		g[i+1] = tile(gen.gallery.At(pool[i]))
	}

	for i := Size - 1; i > 0; i-- {
		j, err := gen.intn(i + 1)
		if err != nil {
			return nil, err
		}
		g[i], g[j] = g[j], g[i]
	}
	return &g, nil
}

// intn returns a uniform integer in [0, n).
func (gen *Generator) intn(n int) (int, error) {
	v, err := rand.Int(gen.rand, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("grid: failed to read randomness: %w", err)
	}
	return int(v.Int64()), nil
}

func tile(img gallery.Image) Tile {
	return Tile{ImageID: img.ID, Category: img.Category, Metadata: img.Metadata}
}
