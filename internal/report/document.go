package report

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image/jpeg"
	"math"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/joeblew999/plat-dashboard/internal/bundles"
	"github.com/joeblew999/plat-dashboard/internal/mapview"
)

// Page geometry in millimetres.
const (
	pageWidth    = 210.0
	pageHeight   = 297.0
	margin       = 15.0
	headerHeight = 62.0
	lineHeight   = 6.0
)

var (
	// Pie colours of the lameness chart and the default legend.
	defaultPieColors = []string{"#FF8042", "#00C49F", "#FFBB28", "#0088FE"}
	// Healthy, stressed, dead.
	healthPieColors = []string{"#00C49F", "#FF8042", "#FF0000"}

	headerBand = "#B497C5"
	barColor   = "#8884d8"
)

var errNotDataURI = errors.New("not a base64 image data URI")

// Header is the block repeated at the top of every page.
type Header struct {
	BundleName  string
	Created     time.Time
	Coordinates mapview.Coordinates
}

// document wraps an fpdf document with the report building blocks.
type document struct {
	pdf    *fpdf.Fpdf
	tr     func(string) string
	images int
}

func newDocument(h Header) *document {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(margin, headerHeight, margin)
	pdf.SetAutoPageBreak(true, margin)
	pdf.SetTitle(h.BundleName+" Report", true)
	pdf.SetCreator("plat-dashboard", true)
	pdf.SetCreationDate(h.Created)

	d := &document{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}
	pdf.SetHeaderFunc(func() { d.header(h) })
	pdf.AddPage()
	return d
}

func (d *document) setColor(set func(r, g, b int), hex string) {
	c, ok := mapview.ParseColor(hex, 1)
	if !ok {
		set(0, 0, 0)
		return
	}
	set(int(c.R), int(c.G), int(c.B))
}

func (d *document) header(h Header) {
	p := d.pdf
	d.setColor(p.SetFillColor, headerBand)
	p.Rect(0, 0, pageWidth, 8, "F")

	half := (pageWidth - 2*margin) / 2
	p.SetTextColor(0, 0, 0)
	p.SetXY(margin+half, 14)
	p.SetFont("Helvetica", "B", 12)
	p.CellFormat(half, lineHeight, "Bundle:", "", 2, "L", false, 0, "")
	p.SetFont("Helvetica", "", 11)
	p.CellFormat(half, lineHeight, d.tr(h.BundleName), "", 2, "L", false, 0, "")

	top := 34.0
	p.SetXY(margin, top)
	p.SetFont("Helvetica", "B", 12)
	p.CellFormat(half, lineHeight, "Report", "", 2, "L", false, 0, "")
	p.SetFont("Helvetica", "", 10)
	p.CellFormat(half, lineHeight, "Date: "+h.Created.Format("02/01/2006"), "", 2, "L", false, 0, "")
	p.CellFormat(half, lineHeight, "Time: "+h.Created.Format("15:04:05"), "", 2, "L", false, 0, "")

	p.SetXY(margin+half, top)
	p.SetFont("Helvetica", "B", 12)
	p.CellFormat(half, lineHeight, "Coordinates", "", 2, "L", false, 0, "")
	p.SetFont("Helvetica", "", 10)
	p.CellFormat(half, lineHeight, d.tr("Upper left: "+h.Coordinates.UpperLeft), "", 2, "L", false, 0, "")
	p.CellFormat(half, lineHeight, d.tr("Lower right: "+h.Coordinates.LowerRight), "", 2, "L", false, 0, "")

	p.SetXY(margin, headerHeight)
}

// ensure starts a new page unless h millimetres fit on the current one.
func (d *document) ensure(h float64) {
	if d.pdf.GetY()+h > pageHeight-margin {
		d.pdf.AddPage()
	}
}

func (d *document) section(title string) {
	d.ensure(3 * lineHeight)
	d.pdf.Ln(3)
	d.pdf.SetFont("Helvetica", "BU", 14)
	d.pdf.CellFormat(0, 8, d.tr(title), "", 1, "C", false, 0, "")
	d.pdf.Ln(2)
}

func (d *document) title(s string) {
	d.ensure(2 * lineHeight)
	d.pdf.SetFont("Helvetica", "B", 11)
	d.pdf.CellFormat(0, lineHeight, d.tr(s), "", 1, "C", false, 0, "")
}

func (d *document) text(s string) {
	d.pdf.SetFont("Helvetica", "", 10)
	d.pdf.MultiCell(0, lineHeight, d.tr(s), "", "C", false)
}

// field prints a bold label followed by its value on one line.
func (d *document) field(label, value string) {
	p := d.pdf
	d.ensure(lineHeight)
	p.SetX(margin + 10)
	p.SetFont("Helvetica", "B", 10)
	w := p.GetStringWidth(d.tr(label)) + 2
	p.CellFormat(w, lineHeight, d.tr(label), "", 0, "L", false, 0, "")
	p.SetFont("Helvetica", "", 10)
	p.MultiCell(0, lineHeight, d.tr(value), "", "L", false)
}

// jpeg places JPEG bytes centred at width w and moves below them.
func (d *document) jpeg(data []byte, w float64) error {
	if len(data) == 0 {
		return nil
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("image is not a jpeg: %w", err)
	}
	p := d.pdf
	d.images++
	name := fmt.Sprintf("img%d", d.images)
	opts := fpdf.ImageOptions{ImageType: "JPG"}
	info := p.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	if p.Err() {
		err := p.Error()
		p.ClearError()
		return fmt.Errorf("register image: %w", err)
	}
	h := w
	if info != nil && info.Width() > 0 {
		h = w * info.Height() / info.Width()
	}
	d.ensure(h + 2)
	x := (pageWidth - w) / 2
	y := p.GetY()
	p.ImageOptions(name, x, y, w, h, false, opts, 0, "")
	p.SetY(y + h + 2)
	return nil
}

// dataImage places a "data:image/jpeg;base64," image.
func (d *document) dataImage(uri string, w float64) error {
	data, err := decodeDataURI(uri)
	if err != nil {
		return err
	}
	return d.jpeg(data, w)
}

func decodeDataURI(uri string) ([]byte, error) {
	const prefix = "data:image/jpeg;base64,"
	if !strings.HasPrefix(uri, prefix) {
		return nil, errNotDataURI
	}
	data, err := base64.StdEncoding.DecodeString(uri[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("decode data uri: %w", err)
	}
	return data, nil
}

// pie draws a ring chart of slices with its legend underneath.
func (d *document) pie(slices []bundles.Slice, colors []string, r float64) {
	p := d.pdf
	d.ensure(2*r + 3*lineHeight)
	cx, cy := pageWidth/2, p.GetY()+r+2

	var total float64
	for _, s := range slices {
		total += s.Value
	}
	if total <= 0 {
		p.SetFillColor(220, 220, 220)
		p.Circle(cx, cy, r, "F")
	} else {
		start := -90.0
		for i, s := range slices {
			sweep := 360 * s.Value / total
			if sweep <= 0 {
				continue
			}
			d.setColor(p.SetFillColor, colors[i%len(colors)])
			p.Polygon(sector(cx, cy, r, start, start+sweep), "F")
			start += sweep
		}
	}
	p.SetFillColor(255, 255, 255)
	p.Circle(cx, cy, r*0.74, "F")
	p.SetY(cy + r + 3)
	d.legend(slices, colors)
}

// sector approximates a circular sector by a polygon, angles in degrees.
func sector(cx, cy, r, from, to float64) []fpdf.PointType {
	pts := []fpdf.PointType{{X: cx, Y: cy}}
	for a := from; ; a += 2 {
		if a > to {
			a = to
		}
		rad := a * math.Pi / 180
		pts = append(pts, fpdf.PointType{X: cx + r*math.Cos(rad), Y: cy + r*math.Sin(rad)})
		if a == to {
			break
		}
	}
	return pts
}

func (d *document) legend(slices []bundles.Slice, colors []string) {
	p := d.pdf
	p.SetFont("Helvetica", "", 9)
	var width float64
	for _, s := range slices {
		width += 5 + p.GetStringWidth(s.Name) + 6
	}
	x := (pageWidth - width) / 2
	y := p.GetY()
	for i, s := range slices {
		d.setColor(p.SetFillColor, colors[i%len(colors)])
		p.Rect(x, y+1, 3, 3, "F")
		p.SetXY(x+4, y)
		p.CellFormat(p.GetStringWidth(s.Name)+1, 5, s.Name, "", 0, "L", false, 0, "")
		x += 5 + p.GetStringWidth(s.Name) + 6
	}
	p.SetXY(margin, y+lineHeight)
}

// histogram draws bins as a bar chart w by h millimetres.
func (d *document) histogram(bins []bundles.Bin, w, h float64) {
	p := d.pdf
	d.ensure(h + 12)
	x0 := (pageWidth - w) / 2
	y0 := p.GetY() + 2

	maxCount := 0
	for _, b := range bins {
		if b.Count > maxCount {
			maxCount = b.Count
		}
	}
	p.SetDrawColor(120, 120, 120)
	p.Line(x0, y0+h, x0+w, y0+h)
	p.Line(x0, y0, x0, y0+h)

	p.SetFont("Helvetica", "", 7)
	p.SetXY(x0-10, y0-2)
	p.CellFormat(9, 4, fmt.Sprint(maxCount), "", 0, "R", false, 0, "")

	slot := w / float64(len(bins))
	d.setColor(p.SetFillColor, barColor)
	for i, b := range bins {
		bh := h * float64(b.Count) / float64(maxCount)
		bx := x0 + float64(i)*slot + slot*0.1
		p.Rect(bx, y0+h-bh, slot*0.8, bh, "F")
		p.SetXY(x0+float64(i)*slot, y0+h+1)
		p.CellFormat(slot, 4, b.Range, "", 0, "C", false, 0, "")
	}
	p.SetXY(margin, y0+h+8)
}

// table draws a bordered table with a bold header row.
func (d *document) table(header []string, rows [][]string, widths []float64) {
	p := d.pdf
	var total float64
	for _, w := range widths {
		total += w
	}
	d.ensure(float64(len(rows)+1) * 7)
	x := (pageWidth - total) / 2

	p.SetFont("Helvetica", "B", 9)
	p.SetFillColor(240, 240, 240)
	p.SetX(x)
	for i, h := range header {
		p.CellFormat(widths[i], 7, h, "1", 0, "C", true, 0, "")
	}
	p.Ln(-1)
	p.SetFont("Helvetica", "", 9)
	for _, row := range rows {
		p.SetX(x)
		for i, c := range row {
			p.CellFormat(widths[i], 7, c, "1", 0, "C", false, 0, "")
		}
		p.Ln(-1)
	}
	p.Ln(2)
}

func (d *document) bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := d.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}
