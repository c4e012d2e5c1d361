// Package gallery provides the fixed, versioned catalog of keystone images.
//
// The catalog is embedded in the binary and loaded once at process start.
// It is read-only: callers receive copies and never mutate the shared set.
package gallery

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Catalog shape requirements. Decoy selection needs enough pool diversity.
const (
	MinCategories        = 8
	MinImagesPerCategory = 6
)

//go:embed gallery.yaml
var catalogYAML []byte

// Sentinel errors
var (
	ErrInvalidCatalog = errors.New("gallery: invalid catalog")
	ErrImageNotFound  = errors.New("gallery: image not found")
)

// DisplayMetadata is what a client needs to render an image tile.
type DisplayMetadata struct {
	Title string `yaml:"title" json:"title"`
	Asset string `yaml:"asset" json:"asset"`
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
}

// Image is a single selectable keystone image.
type Image struct {
	ID       string          `yaml:"id" json:"id"`
	Category string          `yaml:"category" json:"category"`
	Metadata DisplayMetadata `yaml:",inline" json:"metadata"`
}

// catalogFile is the on-disk (embedded) catalog format.
type catalogFile struct {
	Version int     `yaml:"version"`
	Images  []Image `yaml:"images"`
}

// Gallery is an immutable image catalog.
type Gallery struct {
	version int
	images  []Image
	byID    map[string]int
}

// New builds a gallery from images, rejecting empty and duplicate ids.
// Catalog shape (category count and size) is not enforced; use Load for that.
func New(version int, images []Image) (*Gallery, error) {
	g := &Gallery{
		version: version,
		images:  make([]Image, len(images)),
		byID:    make(map[string]int, len(images)),
	}
	copy(g.images, images)

	for i, img := range g.images {
		if img.ID == "" {
			return nil, fmt.Errorf("%w: image %d has empty id", ErrInvalidCatalog, i)
		}
		if img.Category == "" {
			return nil, fmt.Errorf("%w: image %q has empty category", ErrInvalidCatalog, img.ID)
		}
		if _, dup := g.byID[img.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate image id %q", ErrInvalidCatalog, img.ID)
		}
		g.byID[img.ID] = i
	}
	return g, nil
}

// Load parses a YAML catalog and enforces the catalog shape.
func Load(data []byte) (*Gallery, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if f.Version < 1 {
		return nil, fmt.Errorf("%w: version must be >= 1", ErrInvalidCatalog)
	}

	g, err := New(f.Version, f.Images)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, img := range g.images {
		counts[img.Category]++
	}
	if len(counts) < MinCategories {
		return nil, fmt.Errorf("%w: %d categories, need at least %d", ErrInvalidCatalog, len(counts), MinCategories)
	}
	for c, n := range counts {
		if n < MinImagesPerCategory {
			return nil, fmt.Errorf("%w: category %q has %d images, need at least %d",
				ErrInvalidCatalog, c, n, MinImagesPerCategory)
		}
	}
	return g, nil
}

var loadDefault = sync.OnceValues(func() (*Gallery, error) {
	return Load(catalogYAML)
})

// Default returns the embedded catalog.
func Default() (*Gallery, error) {
	return loadDefault()
}

// Version returns the catalog version.
func (g *Gallery) Version() int { return g.version }

// Len returns the number of images.
func (g *Gallery) Len() int { return len(g.images) }

// All returns a copy of every image in catalog order.
func (g *Gallery) All() []Image {
	out := make([]Image, len(g.images))
	copy(out, g.images)
	return out
}

// At returns the i-th image in catalog order.
func (g *Gallery) At(i int) Image { return g.images[i] }

// Lookup finds an image by id.
func (g *Gallery) Lookup(id string) (Image, error) {
	i, ok := g.byID[id]
	if !ok {
		return Image{}, ErrImageNotFound
	}
	return g.images[i], nil
}

// Contains reports whether id is in the catalog.
func (g *Gallery) Contains(id string) bool {
	_, ok := g.byID[id]
	return ok
}

// Categories returns the sorted category names.
func (g *Gallery) Categories() []string {
	seen := make(map[string]struct{})
	for _, img := range g.images {
		seen[img.Category] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// ByCategory returns the images of one category in catalog order.
func (g *Gallery) ByCategory(category string) []Image {
	var out []Image
	for _, img := range g.images {
		if img.Category == category {
			out = append(out, img)
		}
	}
	return out
}
