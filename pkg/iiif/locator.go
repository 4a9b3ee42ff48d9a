package iiif

import "fmt"

// Default IIIF Image API parameters for a full-size rendering
const (
	DefaultRegion   = "full"
	DefaultSize     = "full"
	DefaultRotation = "0"
	DefaultQuality  = "default"
	DefaultFormat   = "jpg"
)

// ImageServer is an IIIF image service rooted at a base URI
type ImageServer struct {
	baseURI string
}

// NewImageServer creates an image server for the given base URI.
// The base URI is used verbatim, so it normally ends with "/".
func NewImageServer(baseURI string) ImageServer {
	return ImageServer{baseURI: baseURI}
}

// BaseURI returns the base URI of the image server
func (s ImageServer) BaseURI() string {
	return s.baseURI
}

// Locator builds a locator for identifier with the default parameters,
// overridden by any non-empty fields of params.
func (s ImageServer) Locator(identifier string, params ...Params) Locator {
	loc := Locator{
		Server:     s,
		Identifier: identifier,
		Region:     DefaultRegion,
		Size:       DefaultSize,
		Rotation:   DefaultRotation,
		Quality:    DefaultQuality,
		Format:     DefaultFormat,
	}
	for _, p := range params {
		loc = loc.With(p)
	}
	return loc
}

// Params holds locator overrides. Empty fields leave the current value unchanged.
type Params struct {
	Region   string
	Size     string
	Rotation string
	Quality  string
	Format   string
}

// Locator addresses one rendering of an image on an IIIF image server.
// It is a plain value: copies are independent and equal locators compare equal with ==.
type Locator struct {
	Server     ImageServer
	Identifier string
	Region     string
	Size       string
	Rotation   string
	Quality    string
	Format     string
}

// With returns a copy of l with the non-empty fields of p applied
func (l Locator) With(p Params) Locator {
	if p.Region != "" {
		l.Region = p.Region
	}
	if p.Size != "" {
		l.Size = p.Size
	}
	if p.Rotation != "" {
		l.Rotation = p.Rotation
	}
	if p.Quality != "" {
		l.Quality = p.Quality
	}
	if p.Format != "" {
		l.Format = p.Format
	}
	return l
}

// BaseURI is the image's URI without any rendering parameters
func (l Locator) BaseURI() string {
	return l.Server.baseURI + l.Identifier
}

// InfoURI is the URI of the image information document
func (l Locator) InfoURI() string {
	return l.BaseURI() + "/info.json"
}

// String renders the full image request URI
func (l Locator) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s.%s", l.BaseURI(), l.Region, l.Size, l.Rotation, l.Quality, l.Format)
}
