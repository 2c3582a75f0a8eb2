// Package stamp draws watermarks, the "not yet effective" badge and signer
// signature images onto existing PDF pages.
package stamp

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/georgepadayatti/signflow/pdf/images"
	"github.com/georgepadayatti/signflow/pdf/text"
	"github.com/georgepadayatti/signflow/sign/fields"
)

// Resource names used inside the overlay form.
const (
	fontRegular = "F1"
	fontBold    = "F2"
	gsWatermark = "GSw"
	gsBadge     = "GSb"
)

// Watermark is a translucent diagonal text drawn on every page.
type Watermark struct {
	Text     string
	FontSize float64
	Gray     float64
	Opacity  float64
	// X and Y are the center of the text before rotation.
	X, Y float64
	// Rotation in degrees, counterclockwise.
	Rotation float64
}

// DefaultWatermark returns the standard watermark for text.
func DefaultWatermark(s string) *Watermark {
	return &Watermark{
		Text:     s,
		FontSize: 50,
		Gray:     0.5,
		Opacity:  0.3,
		X:        300,
		Y:        400,
		Rotation: 45,
	}
}

// WatermarkText builds "{name} - {id} - {dd/mm/yyyy}", leaving out empty
// parts and a zero date.
func WatermarkText(name, id string, date time.Time) string {
	var parts []string
	if name = strings.TrimSpace(name); name != "" {
		parts = append(parts, name)
	}
	if id = strings.TrimSpace(id); id != "" {
		parts = append(parts, id)
	}
	if !date.IsZero() {
		parts = append(parts, date.Format("02/01/2006"))
	}
	return strings.Join(parts, " - ")
}

// Badge is the rotated red stamp marking a document that is still being
// signed.
type Badge struct {
	Title    string
	Subtitle string
	// X, Y, Width and Height locate the unrotated rectangle.
	X, Y, Width, Height float64
	Rotation            float64
	Color               text.Color
	Opacity             float64
	LineWidth           float64
	CornerRadius        float64
	TitleSize           float64
	SubtitleSize        float64
}

// DefaultBadge returns the standard badge.
func DefaultBadge() *Badge {
	return &Badge{
		Title:        "DOCUMENT",
		Subtitle:     "NOT YET EFFECTIVE",
		X:            100,
		Y:            300,
		Width:        300,
		Height:       100,
		Rotation:     20,
		Color:        text.RGB(1, 0.2, 0.2),
		Opacity:      0.3,
		LineWidth:    5,
		CornerRadius: 5,
		TitleSize:    30,
		SubtitleSize: 20,
	}
}

// SignerStamp places a signer's signature image on one page.
type SignerStamp struct {
	// Page is the 0-based page index.
	Page  int
	Box   fields.SignatureBox
	Image *images.Image
}

// Options selects what Render draws.
type Options struct {
	Watermark *Watermark
	Badge     *Badge
	Stamps    []SignerStamp
}

// rotation returns the cm operands rotating by deg degrees.
func rotation(deg float64) string {
	rad := deg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return fmt.Sprintf("%s %s %s %s 0 0 cm", text.Num(c), text.Num(s), text.Num(-s), text.Num(c))
}

func translation(x, y float64) string {
	return fmt.Sprintf("1 0 0 1 %s %s cm", text.Num(x), text.Num(y))
}

// centeredText writes a text object centered horizontally on x.
func centeredText(buf *bytes.Buffer, resource string, font text.Font, size, x, y float64, s string) {
	w := text.Width(font, s, size)
	fmt.Fprintf(buf, "BT /%s %s Tf %s %s Td %s Tj ET\n",
		resource, text.Num(size), text.Num(x-w/2), text.Num(y), text.Literal(s))
}

// draw writes the watermark content.
func (wm *Watermark) draw(buf *bytes.Buffer) {
	if wm.Text == "" {
		return
	}
	buf.WriteString("q\n")
	fmt.Fprintf(buf, "/%s gs\n", gsWatermark)
	buf.WriteString(text.Gray(wm.Gray).Fill() + "\n")
	buf.WriteString(translation(wm.X, wm.Y) + "\n")
	buf.WriteString(rotation(wm.Rotation) + "\n")
	centeredText(buf, fontRegular, text.Helvetica, wm.FontSize, 0, 0, wm.Text)
	buf.WriteString("Q\n")
}

// draw writes the badge content: a stroked rounded rectangle with two
// centered lines, rotated about the rectangle's center.
func (b *Badge) draw(buf *bytes.Buffer) {
	w, h := b.Width, b.Height
	buf.WriteString("q\n")
	fmt.Fprintf(buf, "/%s gs\n", gsBadge)
	buf.WriteString(translation(b.X+w/2, b.Y+h/2) + "\n")
	buf.WriteString(rotation(b.Rotation) + "\n")
	buf.WriteString(b.Color.Stroke() + "\n")
	fmt.Fprintf(buf, "%s w\n", text.Num(b.LineWidth))
	roundRect(buf, -w/2, -h/2, w, h, b.CornerRadius)
	buf.WriteString("S\n")
	buf.WriteString(b.Color.Fill() + "\n")
	if b.Title != "" {
		centeredText(buf, fontBold, text.HelveticaBold, b.TitleSize, 0, h/6, b.Title)
	}
	if b.Subtitle != "" {
		centeredText(buf, fontRegular, text.Helvetica, b.SubtitleSize, 0, -h/4, b.Subtitle)
	}
	buf.WriteString("Q\n")
}

// kappa approximates a quarter circle with a cubic Bézier curve.
const kappa = 0.5522847498

// roundRect appends a rounded rectangle path.
func roundRect(buf *bytes.Buffer, x, y, w, h, r float64) {
	r = math.Min(r, math.Min(w, h)/2)
	k := r * kappa
	n := text.Num
	x2, y2 := x+w, y+h

	fmt.Fprintf(buf, "%s %s m\n", n(x+r), n(y))
	fmt.Fprintf(buf, "%s %s l\n", n(x2-r), n(y))
	fmt.Fprintf(buf, "%s %s %s %s %s %s c\n", n(x2-r+k), n(y), n(x2), n(y+r-k), n(x2), n(y+r))
	fmt.Fprintf(buf, "%s %s l\n", n(x2), n(y2-r))
	fmt.Fprintf(buf, "%s %s %s %s %s %s c\n", n(x2), n(y2-r+k), n(x2-r+k), n(y2), n(x2-r), n(y2))
	fmt.Fprintf(buf, "%s %s l\n", n(x+r), n(y2))
	fmt.Fprintf(buf, "%s %s %s %s %s %s c\n", n(x+r-k), n(y2), n(x), n(y2-r+k), n(x), n(y2-r))
	fmt.Fprintf(buf, "%s %s l\n", n(x), n(y+r))
	fmt.Fprintf(buf, "%s %s %s %s %s %s c\n", n(x), n(y+r-k), n(x+r-k), n(y), n(x+r), n(y))
	buf.WriteString("h\n")
}

// drawImage paints the named image XObject stretched over box.
func drawImage(buf *bytes.Buffer, name string, box fields.SignatureBox) {
	fmt.Fprintf(buf, "q %s 0 0 %s %s %s cm /%s Do Q\n",
		text.Num(box.Width()), text.Num(box.Height()), text.Num(box.XMin), text.Num(box.YMin), name)
}
