package ocr

import "context"

// TextExtractor returns the raw multi-line text found in an image.
// An empty string means the image contained no recognizable text.
type TextExtractor interface {
	ExtractText(ctx context.Context, imagePath string) (string, error)
}
