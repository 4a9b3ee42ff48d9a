package iiif

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocatorDefaults(t *testing.T) {
	server := NewImageServer("http://example.com/iiif/")
	loc := server.Locator("foo")

	assert.Equal(t, "foo", loc.Identifier)
	assert.Equal(t, "http://example.com/iiif/foo", loc.BaseURI())
	assert.Equal(t, "http://example.com/iiif/foo/info.json", loc.InfoURI())
	assert.Equal(t, "full", loc.Region)
	assert.Equal(t, "full", loc.Size)
	assert.Equal(t, "0", loc.Rotation)
	assert.Equal(t, "default", loc.Quality)
	assert.Equal(t, "jpg", loc.Format)
	assert.Equal(t, "http://example.com/iiif/foo/full/full/0/default.jpg", loc.String())
}

func TestLocatorParams(t *testing.T) {
	server := NewImageServer("http://example.com/iiif/")
	loc := server.Locator("foo", Params{Size: "80,80", Rotation: "90", Format: "png"})

	assert.Equal(t, "80,80", loc.Size)
	assert.Equal(t, "90", loc.Rotation)
	assert.Equal(t, "png", loc.Format)
	// defaults are untouched
	assert.Equal(t, "full", loc.Region)
	assert.Equal(t, "default", loc.Quality)
	assert.Equal(t, "http://example.com/iiif/foo/full/80,80/90/default.png", loc.String())
}

func TestLocatorWith(t *testing.T) {
	server := NewImageServer("http://example.com/iiif/")
	loc := server.Locator("foo")

	t.Run("No overrides", func(t *testing.T) {
		copied := loc.With(Params{})
		assert.Equal(t, loc, copied)
		assert.NotSame(t, &loc, &copied)
	})

	t.Run("Region override", func(t *testing.T) {
		derived := loc.With(Params{Region: "0,0,100,100"})
		assert.Equal(t, "full", loc.Region)
		assert.Equal(t, "0,0,100,100", derived.Region)
		assert.NotEqual(t, loc, derived)
		assert.Equal(t, "http://example.com/iiif/foo/0,0,100,100/full/0/default.jpg", derived.String())
	})
}

func TestIdentifierFromRepoURI(t *testing.T) {
	const endpoint = "http://example.com/fcrepo/rest"

	tests := []struct {
		name    string
		repoURI string
		want    string
		wantErr bool
	}{
		{
			name:    "Nested path",
			repoURI: endpoint + "/foo/bar/123",
			want:    "fcrepo:foo:bar:123",
		},
		{
			name:    "Single segment",
			repoURI: endpoint + "/foo",
			want:    "fcrepo:foo",
		},
		{
			name:    "Trailing slash",
			repoURI: endpoint + "/foo/",
			want:    "fcrepo:foo:",
		},
		{
			name:    "Outside repository",
			repoURI: "http://other.example.com/foo",
			wantErr: true,
		},
		{
			name:    "No leading slash",
			repoURI: endpoint + "?foo",
			wantErr: true,
		},
		{
			name:    "Endpoint only",
			repoURI: endpoint,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := IdentifierFromRepoURI(tt.repoURI, endpoint)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidRepoURI))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
