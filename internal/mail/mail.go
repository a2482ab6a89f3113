// Package mail emails map features: where they are and what they carry.
package mail

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/logging"
	"github.com/joeblew999/plat-dashboard/internal/templates"
)

// GoogleMapsURL is the base of the location links.
const GoogleMapsURL = "https://www.google.com/maps"

var (
	// ErrNoRecipient is returned when the message has no address.
	ErrNoRecipient = errors.New("recipient is required")
	// ErrNoGeometry is returned for features without a usable geometry.
	ErrNoGeometry = errors.New("feature has no geometry")
)

// Message is one outgoing HTML email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Property is one feature attribute in display form.
type Property struct {
	Key   string
	Value string
}

// Location is a feature reduced to a point and its attributes.
type Location struct {
	Lat        float64
	Lon        float64
	MapsURL    string
	Properties []Property
}

// LocationOf returns the planar centroid of f and its properties sorted
// by key.
func LocationOf(f *geojson.Feature) (Location, error) {
	if f == nil || f.Geometry == nil {
		return Location{}, ErrNoGeometry
	}
	c, _ := planar.CentroidArea(f.Geometry)
	loc := Location{
		Lat:     c.Lat(),
		Lon:     c.Lon(),
		MapsURL: GoogleMapsURL + "?q=" + formatCoord(c.Lat()) + "," + formatCoord(c.Lon()),
	}
	keys := make([]string, 0, len(f.Properties))
	for k := range f.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		loc.Properties = append(loc.Properties, Property{Key: k, Value: fmt.Sprint(f.Properties[k])})
	}
	return loc, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Mailer renders and sends feature emails.
type Mailer struct {
	sender   Sender
	renderer *templates.Renderer
	from     string
	tag      string
	log      zerolog.Logger
}

// New returns a mailer using cfg for the sender and subject tag.
func New(cfg config.MailConfig, sender Sender) (*Mailer, error) {
	r, err := templates.Mail()
	if err != nil {
		return nil, fmt.Errorf("parse mail templates: %w", err)
	}
	addr := cfg.FromAddress
	if addr == "" {
		addr = cfg.SMTPUsername
	}
	return &Mailer{
		sender:   sender,
		renderer: r,
		from:     fmt.Sprintf("%q <%s>", cfg.FromName, addr),
		tag:      cfg.Subject,
		log:      logging.Component("mail"),
	}, nil
}

func (m *Mailer) subject(s string) string {
	return "[" + m.tag + "] " + s
}

func (m *Mailer) send(ctx context.Context, to, subject, tmpl string, data any) error {
	if to == "" {
		return ErrNoRecipient
	}
	html, err := m.renderer.Render(tmpl, data)
	if err != nil {
		return fmt.Errorf("render %s: %w", tmpl, err)
	}
	msg := Message{From: m.from, To: to, Subject: m.subject(subject), HTML: html}
	if err := m.sender.Send(ctx, msg); err != nil {
		m.log.Error().Err(err).Str("template", tmpl).Msg("email not sent")
		return err
	}
	m.log.Info().Str("template", tmpl).Msg("email sent")
	return nil
}

// SendFeature emails the location and properties of f.
func (m *Mailer) SendFeature(ctx context.Context, to, subject string, f *geojson.Feature) error {
	loc, err := LocationOf(f)
	if err != nil {
		return err
	}
	return m.send(ctx, to, subject, "feature.html", map[string]any{"Location": loc})
}

// SendFeatures emails every polygon among fs. It returns how many
// locations the email listed.
func (m *Mailer) SendFeatures(ctx context.Context, to, subject string, fs []*geojson.Feature) (int, error) {
	var locs []Location
	for _, f := range fs {
		if f == nil || f.Geometry == nil || f.Geometry.GeoJSONType() != geojson.TypePolygon {
			continue
		}
		loc, err := LocationOf(f)
		if err != nil {
			continue
		}
		locs = append(locs, loc)
	}
	return len(locs), m.send(ctx, to, subject, "features.html", map[string]any{"Locations": locs})
}
