// Package evidence archives the primary capture of each verification
// attempt to object storage after stripping its metadata.
package evidence

import (
	"fmt"

	"github.com/h2non/bimg"
)

// SanitizeConfig controls how captures are re-encoded before archival.
type SanitizeConfig struct {
	// Quality for JPEG encoding (1-100, default: 85)
	Quality int
	// MaxWidth limits image width (0 = no limit)
	MaxWidth int
	// MaxHeight limits image height (0 = no limit)
	MaxHeight int
}

// DefaultSanitizeConfig returns the archival defaults.
func DefaultSanitizeConfig() SanitizeConfig {
	return SanitizeConfig{
		Quality:   85,
		MaxWidth:  1280,
		MaxHeight: 1280,
	}
}

// Sanitize re-encodes an image as JPEG with all EXIF metadata (GPS, camera
// details, timestamps) removed and its dimensions bounded.
func Sanitize(image []byte, config SanitizeConfig) ([]byte, error) {
	img := bimg.NewImage(image)
	metadata, err := img.Metadata()
	if err != nil {
		return nil, fmt.Errorf("failed to read image metadata: %w", err)
	}

	options := bimg.Options{
		Type:          bimg.JPEG,
		Quality:       config.Quality,
		StripMetadata: true,
		// Orientation is applied from EXIF before it is stripped.
		Rotate: bimg.Angle(0),
	}

	if config.MaxWidth > 0 && metadata.Size.Width > config.MaxWidth {
		options.Width = config.MaxWidth
	}
	if config.MaxHeight > 0 && metadata.Size.Height > config.MaxHeight {
		options.Height = config.MaxHeight
	}

	out, err := img.Process(options)
	if err != nil {
		return nil, fmt.Errorf("failed to process image: %w", err)
	}
	return out, nil
}

// HasEXIF reports whether identifying EXIF fields are present.
func HasEXIF(image []byte) (bool, error) {
	metadata, err := bimg.NewImage(image).Metadata()
	if err != nil {
		return false, fmt.Errorf("failed to read image metadata: %w", err)
	}
	exif := metadata.EXIF
	return exif.Make != "" || exif.Model != "" ||
		exif.GPSLatitude != "" || exif.GPSLongitude != "" ||
		exif.DateTimeOriginal != "" || exif.Software != "", nil
}
