// Package render draws printable tracking labels.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Label is what gets printed on a unit: the encoded identity as a barcode
// plus human-readable product metadata.
type Label struct {
	Identity    string
	ProductName string
	Color       string
	Size        string
}

// Renderer turns a label into an image. Implementations must be pure: same
// label, same bytes.
type Renderer interface {
	Render(label Label) ([]byte, error)
}

// Code128 renders a Code 128 barcode with two caption lines underneath.
type Code128 struct {
	ModuleWidth int // pixels per bar module
	BarHeight   int
	Margin      int
}

func NewCode128() *Code128 {
	return &Code128{ModuleWidth: 2, BarHeight: 80, Margin: 12}
}

const lineHeight = 16

func (r *Code128) Render(label Label) ([]byte, error) {
	if label.Identity == "" {
		return nil, fmt.Errorf("render: empty identity")
	}
	bc, err := code128.Encode(label.Identity)
	if err != nil {
		return nil, fmt.Errorf("render: encode %q: %w", label.Identity, err)
	}
	barWidth := bc.Bounds().Dx() * r.ModuleWidth
	scaled, err := barcode.Scale(bc, barWidth, r.BarHeight)
	if err != nil {
		return nil, fmt.Errorf("render: scale: %w", err)
	}

	caption := []string{label.Identity, captionLine(label)}
	width := barWidth + 2*r.Margin
	for _, line := range caption {
		if w := len(line)*basicfont.Face7x13.Advance + 2*r.Margin; w > width {
			width = w
		}
	}
	height := r.BarHeight + 2*r.Margin + len(caption)*lineHeight

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	left := (width - barWidth) / 2
	draw.Draw(canvas, image.Rect(left, r.Margin, left+barWidth, r.Margin+r.BarHeight), scaled, image.Point{}, draw.Src)

	d := &font.Drawer{Dst: canvas, Src: image.Black, Face: basicfont.Face7x13}
	for i, line := range caption {
		d.Dot = fixed.P(r.Margin, r.Margin+r.BarHeight+(i+1)*lineHeight)
		d.DrawString(line)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return nil, fmt.Errorf("render: png: %w", err)
	}
	return buf.Bytes(), nil
}

func captionLine(l Label) string {
	name := l.ProductName
	if name == "" {
		name = "item"
	}
	return fmt.Sprintf("%s | %s | %s", name, l.Color, l.Size)
}
