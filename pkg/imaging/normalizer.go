// Package imaging converts arbitrary uploaded photos into the standard
// compressed JPEG shape the OCR service expects.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	_ "image/gif"
	_ "image/png"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	defaultMaxWidth = 1600
	defaultQuality  = 90
)

// ErrImageProcessing wraps any decode or encode failure. Callers treat it as
// fatal for the image (and, per current pipeline semantics, for the request).
var ErrImageProcessing = errors.New("image processing failed")

// Options tune the output raster.
type Options struct {
	MaxWidth int // target output width in pixels
	Quality  int // JPEG quality 1..100
}

// Normalizer rewrites uploads as opaque JPEGs at a fixed width.
type Normalizer struct {
	processedDir string
	maxWidth     int
	quality      int
}

// NewNormalizer creates the processed-images directory if missing.
func NewNormalizer(processedDir string, opts Options) (*Normalizer, error) {
	if strings.TrimSpace(processedDir) == "" {
		return nil, errors.New("processed dir is required")
	}
	if err := os.MkdirAll(processedDir, 0o755); err != nil {
		return nil, fmt.Errorf("create processed dir: %w", err)
	}
	maxWidth := opts.MaxWidth
	if maxWidth <= 0 {
		maxWidth = defaultMaxWidth
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}
	return &Normalizer{
		processedDir: processedDir,
		maxWidth:     maxWidth,
		quality:      quality,
	}, nil
}

// Normalize decodes srcPath, flattens any transparency onto white, resizes to
// the target width preserving aspect ratio, and writes a JPEG into the
// processed directory. HEIC inputs are first converted with an OS utility;
// that conversion is best-effort and its failure is logged before the decode
// is attempted anyway.
func (n *Normalizer) Normalize(srcPath string) (string, error) {
	decodePath := srcPath
	if isHEIC(srcPath) {
		pngPath := n.outputPath(srcPath, ".png")
		if err := convertHEIC(srcPath, pngPath); err != nil {
			slog.Warn("heic conversion failed", "path", srcPath, "err", err)
		} else {
			decodePath = pngPath
		}
	}

	src, err := decodeImage(decodePath)
	if err != nil {
		return "", fmt.Errorf("%w: decode %s: %v", ErrImageProcessing, filepath.Base(decodePath), err)
	}

	flat := n.flattenAndResize(src)

	outPath := n.outputPath(srcPath, ".jpg")
	out, err := os.Create(outPath)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrImageProcessing, outPath, err)
	}
	defer out.Close()
	if err := jpeg.Encode(out, flat, &jpeg.Options{Quality: n.quality}); err != nil {
		return "", fmt.Errorf("%w: encode %s: %v", ErrImageProcessing, outPath, err)
	}
	return outPath, nil
}

// flattenAndResize scales the image to the target width over a white
// background, which also drops any alpha channel or palette indexing.
func (n *Normalizer) flattenAndResize(src image.Image) *image.RGBA {
	bounds := src.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	height := int(float64(srcH) * float64(n.maxWidth) / float64(srcW))
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, n.maxWidth, height))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
	return dst
}

func (n *Normalizer) outputPath(srcPath, ext string) string {
	base := filepath.Base(srcPath)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(n.processedDir, name+ext)
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func isHEIC(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".heic", ".heif":
		return true
	default:
		return false
	}
}

// convertHEIC shells out to a platform image tool: sips on macOS, otherwise
// heif-convert from libheif.
func convertHEIC(src, dest string) error {
	if runtime.GOOS == "darwin" {
		if _, err := exec.LookPath("sips"); err == nil {
			return exec.Command("sips", "-s", "format", "png", src, "--out", dest).Run()
		}
	}
	if _, err := exec.LookPath("heif-convert"); err != nil {
		return fmt.Errorf("no heic converter available: %w", err)
	}
	return exec.Command("heif-convert", src, dest).Run()
}
