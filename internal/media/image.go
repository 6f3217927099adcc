package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// maxImageDimension bounds re-encoded images so oversized customer uploads
// do not blow up the staff client.
const maxImageDimension = 2048

// sanitizeImage re-encodes an image through a decode/encode round trip,
// stripping metadata and any trailing payload, and downscales anything over
// maxImageDimension. Returns the path of the cleaned file; the original is
// removed on success.
func sanitizeImage(path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("media: sanitize: decode: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageDimension || bounds.Dy() > maxImageDimension {
		img = imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".png" {
		ext = ".jpg"
	}
	clean := strings.TrimSuffix(path, filepath.Ext(path)) + ".clean" + ext
	if err := imaging.Save(img, clean, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("media: sanitize: encode: %w", err)
	}
	os.Remove(path)
	return clean, nil
}
