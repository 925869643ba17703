package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"path"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const thumbnailSuffix = ".thumbnail.png"

// Thumbnailer renders PNG previews no larger than Size pixels on either side.
type Thumbnailer struct {
	Size int
}

// Name returns the stored name of the thumbnail for an image name.
func (t Thumbnailer) Name(name string) string {
	return name + thumbnailSuffix
}

// Render reads name from src and writes its thumbnail to dst. The thumbnail
// keeps the directory structure of the source name.
func (t Thumbnailer) Render(ctx context.Context, src FileStorage, dst FileStorage, name string) (string, error) {
	r, err := src.Open(ctx, name)
	if err != nil {
		return "", err
	}
	defer r.Close()

	img, _, err := image.Decode(r)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	thumb := image.NewRGBA(t.bounds(img.Bounds()))
	draw.CatmullRom.Scale(thumb, thumb.Bounds(), img, img.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, thumb); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	dir, file := path.Split(t.Name(name))
	prefix, fileID := path.Split(path.Clean(dir))
	return dst.Save(ctx, path.Clean(prefix), fileID, file, &buf)
}

func (t Thumbnailer) bounds(b image.Rectangle) image.Rectangle {
	size := t.Size
	if size <= 0 {
		size = 256
	}
	w, h := b.Dx(), b.Dy()
	if w <= size && h <= size {
		return image.Rect(0, 0, w, h)
	}
	if w >= h {
		return image.Rect(0, 0, size, max(1, h*size/w))
	}
	return image.Rect(0, 0, max(1, w*size/h), size)
}
