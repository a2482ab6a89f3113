package report

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/bundles"
	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/cog"
)

const (
	snapshotWidth = 170.0
	photoWidth    = 120.0
	pieRadius     = 28.0
)

type renderContext struct {
	ctx       context.Context
	doc       *document
	snapshots [][]byte
	images    bundles.ImageLoader
	cogURL    string
	log       zerolog.Logger
}

// snapshot places snapshot i. Missing snapshots are skipped.
func (rc *renderContext) snapshot(i int) error {
	if i >= len(rc.snapshots) || rc.snapshots[i] == nil {
		rc.log.Debug().Int("snapshot", i).Msg("snapshot missing")
		return nil
	}
	return rc.doc.jpeg(rc.snapshots[i], snapshotWidth)
}

// photo places a data URI image. Pictures that cannot be decoded are
// logged and left out.
func (rc *renderContext) photo(uri string) {
	if uri == "" {
		return
	}
	if err := rc.doc.dataImage(uri, photoWidth); err != nil {
		rc.log.Warn().Err(err).Msg("image left out of report")
	}
}

type template func(rc *renderContext, p bundles.Prepared) error

var templates = map[catalog.BundleID]template{
	catalog.AutomaticVinesDetection:  renderVines,
	catalog.CropGrowth:               renderCropGrowth,
	catalog.HealthStatusOfVegetation: renderHealth,
	catalog.Livestock:                renderLivestock,
	catalog.CowLameness:              renderCowLameness,
	catalog.QuantificationOfLogs:     renderLogs,
}

func unexpected(p bundles.Prepared) error {
	return fmt.Errorf("unexpected report data %T", p)
}

func renderVines(rc *renderContext, p bundles.Prepared) error {
	r, ok := p.(*bundles.VinesReport)
	if !ok {
		return unexpected(p)
	}
	d := rc.doc
	d.section("Overview")
	d.field("Number of Detected Vines:", strconv.Itoa(r.OverviewValue))

	if rc.images != nil && r.ImageSrc != "" && rc.cogURL != "" {
		img, err := rc.images.WithRetry(rc.ctx, cog.PreviewURL(rc.cogURL, r.ImageSrc, 650, 350))
		if err != nil {
			rc.log.Warn().Err(err).Msg("raster preview left out of report")
		} else {
			rc.photo(img.DataURI)
		}
	}

	d.title("Location:")
	return rc.snapshot(0)
}

func renderCropGrowth(rc *renderContext, p bundles.Prepared) error {
	r, ok := p.(*bundles.CropGrowthReport)
	if !ok {
		return unexpected(p)
	}
	d := rc.doc
	d.section("Analysis")

	d.title("GCC Value Distribution")
	if len(r.Histogram) > 0 {
		d.histogram(r.Histogram, 160, 60)
	} else {
		d.text("No histogram data available")
	}

	d.title("GCC Statistics")
	if r.All == (bundles.Stats{}) && r.Alarm == (bundles.Stats{}) {
		d.text("No statistics data available")
	} else {
		row := func(name string, all, alarm float64) []string {
			return []string{name, fmt.Sprintf("%.4f", all), fmt.Sprintf("%.4f", alarm)}
		}
		d.table(
			[]string{"Metric", "All Vines", "Vines with Alarms"},
			[][]string{
				row("GCC Mean", r.All.Mean, r.Alarm.Mean),
				row("GCC Max", r.All.Max, r.Alarm.Max),
				row("GCC Min", r.All.Min, r.Alarm.Min),
				row("GCC Std", r.All.Std, r.Alarm.Std),
			},
			[]float64{50, 50, 50},
		)
	}

	d.title("GCC Map")
	if err := rc.snapshot(0); err != nil {
		return err
	}
	d.title("Vines with Alert")
	return rc.snapshot(1)
}

func renderHealth(rc *renderContext, p bundles.Prepared) error {
	r, ok := p.(*bundles.HealthReport)
	if !ok {
		return unexpected(p)
	}
	d := rc.doc
	d.section("Overview")
	d.field("Total inspected area:", r.TotalInspectedArea+" ha")
	d.field("Canopy cover:", r.CanopyCover+"%")
	d.field("Detected trees:", r.DetectedTrees)

	for i, idx := range r.Indices {
		d.section(fmt.Sprintf("Results based on %s vegetation index", idx.Index))
		if err := rc.snapshot(i); err != nil {
			return err
		}
		d.text(fmt.Sprintf("Stressed Threshold: %g | Dead Threshold: %g", idx.StressedThreshold, idx.DeadThreshold))
		d.title("Statistics")
		d.pie(idx.Pie, healthPieColors, pieRadius)
	}
	return nil
}

func renderLivestock(rc *renderContext, p bundles.Prepared) error {
	r, ok := p.(*bundles.LivestockReport)
	if !ok {
		return unexpected(p)
	}
	d := rc.doc
	d.section("Overview")
	d.title("Herd Trail Location")
	if err := rc.snapshot(0); err != nil {
		return err
	}

	d.section("Additional Info")
	for _, f := range r.Frames {
		rc.photo(f.ImageSrc)
		d.field("Coordinates:", strconv.FormatFloat(f.Coordinates[0], 'f', -1, 64)+", "+strconv.FormatFloat(f.Coordinates[1], 'f', -1, 64))
		d.field("Appearance:", f.Appearance)
		d.field("Detected Animals:", f.DetectedAnimals)
		d.field("Message to User:", f.Message)
		d.pdf.Ln(4)
	}
	return nil
}

func renderCowLameness(rc *renderContext, p bundles.Prepared) error {
	r, ok := p.(*bundles.CowLamenessReport)
	if !ok {
		return unexpected(p)
	}
	d := rc.doc
	d.section("Overview")
	d.title("Location")
	if err := rc.snapshot(0); err != nil {
		return err
	}
	d.field("Results:", r.OverviewValue)

	for _, a := range r.Images {
		d.section(a.AnimalID)
		rc.photo(a.ImageSrc)
		d.title("Probability to Lameness Class")
		d.pie(a.Pie, defaultPieColors, pieRadius)
	}
	return nil
}

// orDash formats a statistic that may be absent.
func orDash(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		if x == "" {
			return "-"
		}
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func renderLogs(rc *renderContext, p bundles.Prepared) error {
	r, ok := p.(*bundles.LogsReport)
	if !ok {
		return unexpected(p)
	}
	d := rc.doc
	s := r.Stats
	d.section("Summary")
	d.field("Images analyzed:", orDash(s.ImagesTotal))
	d.field("Images with detections:", orDash(s.ImagesDetected))
	d.field("Total windthrow detections:", orDash(s.LogCount))
	d.field("Min. windthrow length, m:", orDash(s.LengthMin))
	d.field("Max. windthrow length, m:", orDash(s.LengthMax))
	d.field("Average windthrow length, m:", orDash(s.LengthAverage))

	d.section("Input Params")
	d.field("Analysis input parameters:", orDash(s.Arguments))
	d.field("Ground sample distance GSD, cm/px:", orDash(s.GSD))
	d.field("Detection confidence threshold:", orDash(s.Conf))
	d.field("Coordinate reference system CRS:", orDash(s.OutputCRS))
	d.field("Image cropping fraction:", orDash(s.TopFrac))

	d.section("Overview")
	d.title("Windthrow locations (point clusters)")
	if err := rc.snapshot(0); err != nil {
		return err
	}

	d.section("Windthrow detections")
	for _, img := range r.Images {
		rc.photo(img.ImageSrc)
		d.title(img.ImageName)
		d.field("GPS Position", img.Coordinates)
		d.pdf.Ln(4)
	}
	return nil
}
