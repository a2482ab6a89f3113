// Package dip is the client for the bundle storage API (the data
// integration platform). It lists the stored bundle files and fetches
// GeoJSON, JSON, GeoTIFF and Shapefile artifacts by file name.
package dip

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/paulmach/orb/geojson"

	"github.com/joeblew999/plat-dashboard/internal/catalog"
	"github.com/joeblew999/plat-dashboard/internal/config"
	"github.com/joeblew999/plat-dashboard/internal/upstream"
)

// Artifact is one fetched bundle output. Exactly one payload field is set,
// according to Type.
type Artifact struct {
	Type      catalog.ArtifactType       `json:"type"`
	FileName  string                     `json:"fileName"`
	GeoJSON   *geojson.FeatureCollection `json:"geojson,omitempty"`
	JSON      json.RawMessage            `json:"json,omitempty"`
	Reference string                     `json:"reference,omitempty"` // GeoTIFF URL
}

// Client talks to the bundle storage API.
type Client struct {
	base string
	http *upstream.Client
}

// New creates a client for the API rooted at base.
func New(base string, hc *upstream.Client) *Client {
	return &Client{base: base, http: hc}
}

func (c *Client) endpoint(path, fileName string) string {
	u := config.Join(c.base, path)
	if fileName == "" {
		return u
	}
	return u + "?" + url.Values{"file_name": {fileName}}.Encode()
}

// ListBundles returns the names of every stored bundle file.
func (c *Client) ListBundles(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.http.GetJSON(ctx, c.endpoint("/v1/bundles", ""), &names); err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	return names, nil
}

// GeoJSON fetches a FeatureCollection.
func (c *Client) GeoJSON(ctx context.Context, fileName string) (*geojson.FeatureCollection, error) {
	data, _, err := c.http.GetBytes(ctx, c.endpoint("/v1/geojson", fileName))
	if err != nil {
		return nil, fmt.Errorf("geojson %s: %w", fileName, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("geojson %s: %w", fileName, err)
	}
	return fc, nil
}

// JSON fetches a raw JSON document (statistics, per-animal results).
func (c *Client) JSON(ctx context.Context, fileName string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.http.GetJSON(ctx, c.endpoint("/v1/json", fileName), &raw); err != nil {
		return nil, fmt.Errorf("json %s: %w", fileName, err)
	}
	return raw, nil
}

// GeoTIFF returns the URL of a stored GeoTIFF, ready for the tiling service.
func (c *Client) GeoTIFF(ctx context.Context, fileName string) (string, error) {
	data, _, err := c.http.GetBytes(ctx, c.endpoint("/v1/geotiff", fileName))
	if err != nil {
		return "", fmt.Errorf("geotiff %s: %w", fileName, err)
	}
	return parseReference(data)
}

// Shapefile fetches a shapefile descriptor as raw JSON.
func (c *Client) Shapefile(ctx context.Context, fileName string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.http.GetJSON(ctx, c.endpoint("/v1/shp", fileName), &raw); err != nil {
		return nil, fmt.Errorf("shp %s: %w", fileName, err)
	}
	return raw, nil
}

// parseReference accepts a JSON string, an object with a "url" field, or a
// bare URL body.
func parseReference(data []byte) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", fmt.Errorf("empty geotiff reference")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("geotiff reference: %w", err)
		}
		return s, nil
	case '{':
		var obj struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return "", fmt.Errorf("geotiff reference: %w", err)
		}
		if obj.URL == "" {
			return "", fmt.Errorf("geotiff reference has no url")
		}
		return obj.URL, nil
	}
	return string(data), nil
}

// ResolveFileName picks the file name to request for name and ext: the
// "_output" variant when the listing has an output file for it, the bare
// name otherwise.
func ResolveFileName(listing []string, name string, ext catalog.ArtifactType) string {
	for _, item := range listing {
		if !strings.Contains(item, name) || !strings.Contains(item, string(ext)) {
			continue
		}
		if strings.Contains(item, "_output") {
			return name + "_output"
		}
	}
	return name
}

// Fetch resolves the file name against listing and issues exactly one
// artifact request of the matching shape.
func (c *Client) Fetch(ctx context.Context, listing []string, name string, t catalog.ArtifactType) (*Artifact, error) {
	fileName := ResolveFileName(listing, name, t)
	a := &Artifact{Type: t, FileName: fileName}

	var err error
	switch t {
	case catalog.GeoJSON:
		a.GeoJSON, err = c.GeoJSON(ctx, fileName)
	case catalog.JSON:
		a.JSON, err = c.JSON(ctx, fileName)
	case catalog.TIF:
		a.Reference, err = c.GeoTIFF(ctx, fileName)
	case catalog.Shapefile:
		a.JSON, err = c.Shapefile(ctx, fileName)
	default:
		return nil, fmt.Errorf("unsupported artifact type %q", t)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}
