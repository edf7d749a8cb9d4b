package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Historical folder layouts, probed in order; the first existing one wins.
var (
	GenuineFolders = []string{
		filepath.Join("genuine", "images"),
		"genuine_images",
		"genuine",
	}
	ForgedFolders = []string{
		filepath.Join("skilled forgery", "images"),
		filepath.Join("skilled_forgery", "images"),
		"skilled_forgery_images",
		"forged_images",
		filepath.Join("forged", "images"),
		"skilled forgery",
		"skilled_forgery",
	}
)

var imageExtensions = map[string]struct{}{
	".png": {}, ".jpg": {}, ".jpeg": {}, ".bmp": {}, ".tif": {}, ".tiff": {},
}

// ScanDirectory builds a Manifest from a root holding one directory per
// identity. Identities without a recognizable category folder get an empty
// list for it; the assembler reports and skips those.
func ScanDirectory(root string, logger *zap.Logger) (*Manifest, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scan dataset root: %w", err)
	}
	m := &Manifest{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		userPath := filepath.Join(root, entry.Name())
		id := Identity{Name: entry.Name()}

		if dir, ok := probe(userPath, GenuineFolders); ok {
			if id.Genuine, err = listImages(dir); err != nil {
				return nil, err
			}
		} else {
			logger.Warn("no genuine folder found", zap.String("identity", id.Name), zap.Strings("tried", GenuineFolders))
		}
		if dir, ok := probe(userPath, ForgedFolders); ok {
			if id.Forged, err = listImages(dir); err != nil {
				return nil, err
			}
		} else {
			logger.Warn("no forged folder found", zap.String("identity", id.Name), zap.Strings("tried", ForgedFolders))
		}
		m.Identities = append(m.Identities, id)
	}
	logger.Info("dataset scanned", zap.String("root", root), zap.Int("identities", len(m.Identities)))
	return m, nil
}

func probe(base string, candidates []string) (string, bool) {
	for _, c := range candidates {
		p := filepath.Join(base, c)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, true
		}
	}
	return "", false
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := imageExtensions[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}
