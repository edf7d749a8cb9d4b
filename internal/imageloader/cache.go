package imageloader

import (
	"crypto/sha1"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Decoder is the decoding surface shared by Loader and CachingLoader.
type Decoder interface {
	Decode(data []byte) (Image, error)
	Size() int
}

// CachingLoader memoizes decoded samples by the sha1 of their source bytes.
// Decode failures are not cached. Cached samples share pixel storage and
// must be treated as read-only.
type CachingLoader struct {
	loader *Loader
	cache  *lru.Cache[string, Image]
}

// NewCachingLoader wraps loader with an LRU holding up to capacity samples.
func NewCachingLoader(loader *Loader, capacity int) (*CachingLoader, error) {
	cache, err := lru.New[string, Image](capacity)
	if err != nil {
		return nil, err
	}
	return &CachingLoader{loader: loader, cache: cache}, nil
}

func (c *CachingLoader) Size() int { return c.loader.Size() }

func (c *CachingLoader) Decode(data []byte) (Image, error) {
	sum := sha1.Sum(data)
	key := hex.EncodeToString(sum[:])
	if img, ok := c.cache.Get(key); ok {
		return img, nil
	}
	img, err := c.loader.Decode(data)
	if err != nil {
		return Image{}, err
	}
	c.cache.Add(key, img)
	return img, nil
}

// Len reports the number of cached samples.
func (c *CachingLoader) Len() int { return c.cache.Len() }
