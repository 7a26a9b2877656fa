package local

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// CatalogFile is the on-disk description of local raster collections.
//
//	collections:
//	  WorldPop/GP/100m/pop:
//	    images:
//	      - path: worldpop_2020.asc
//	        date: 2020-01-01
//	        band: population
type CatalogFile struct {
	Collections map[string]CollectionEntry `yaml:"collections"`
}

// CollectionEntry lists the images of one collection in mosaic order; later
// images win where they overlap earlier ones.
type CollectionEntry struct {
	Images []ImageEntry `yaml:"images"`
}

// ImageEntry points at one ASCII grid.
type ImageEntry struct {
	Path string `yaml:"path"`
	Date string `yaml:"date"`
	Band string `yaml:"band"`
}

// LoadCatalog reads a catalog file and registers every image into a new
// engine. Relative image paths resolve against the catalog's directory.
func LoadCatalog(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "local: read catalog %s", path)
	}

	var cf CatalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, eris.Wrap(err, "local: parse catalog")
	}

	base := filepath.Dir(path)
	e := New()
	for name, coll := range cf.Collections {
		for i, img := range coll.Images {
			p := img.Path
			if !filepath.IsAbs(p) {
				p = filepath.Join(base, p)
			}
			grid, err := ReadASCIIGridFile(p)
			if err != nil {
				return nil, eris.Wrapf(err, "local: collection %s image %d", name, i)
			}
			var date time.Time
			if img.Date != "" {
				date, err = time.Parse(time.DateOnly, img.Date)
				if err != nil {
					return nil, eris.Wrapf(err, "local: collection %s image %d date", name, i)
				}
			}
			e.Register(name, Image{Date: date, Band: img.Band, Grid: grid})
		}
	}
	return e, nil
}
