// Package datasets defines the population datasets and their fallback chains.
package datasets

import (
	_ "embed"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/gbsc-lab/tilepop/internal/model"
)

//go:embed defaults.yaml
var defaultsYAML []byte

const (
	DefaultScale     = 100
	DefaultTileScale = 4
)

// Candidate is one source entry as written in YAML. Empty fields inherit
// from the dataset.
type Candidate struct {
	Name       string  `yaml:"name"`
	Collection string  `yaml:"collection"`
	Kind       string  `yaml:"kind"`
	Start      string  `yaml:"start"`
	End        string  `yaml:"end"`
	Band       string  `yaml:"band"`
	Scale      float64 `yaml:"scale"`
	TileScale  int     `yaml:"tile_scale"`
	Clamp      string  `yaml:"clamp"`
	Unweighted bool    `yaml:"unweighted"`
}

// Dataset is one semantic dataset with its ordered candidates.
type Dataset struct {
	Name       string      `yaml:"name"`
	Label      string      `yaml:"label"`
	Scale      float64     `yaml:"scale"`
	TileScale  int         `yaml:"tile_scale"`
	Start      string      `yaml:"start"`
	End        string      `yaml:"end"`
	Band       string      `yaml:"band"`
	Candidates []Candidate `yaml:"candidates"`
}

// File is the YAML document layout.
type File struct {
	Datasets []Dataset `yaml:"datasets"`
}

// Defaults returns the built-in chains.
func Defaults() []model.FallbackChain {
	chains, err := Parse(defaultsYAML)
	if err != nil {
		panic("datasets: invalid built-in defaults: " + err.Error())
	}
	return chains
}

// Load reads chains from a YAML file. An empty path yields the defaults.
func Load(path string) ([]model.FallbackChain, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "datasets: read %s", path)
	}
	chains, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "datasets: %s", path)
	}
	return chains, nil
}

// Parse decodes and validates a dataset document.
func Parse(data []byte) ([]model.FallbackChain, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "datasets: decode yaml")
	}
	if len(f.Datasets) == 0 {
		return nil, eris.New("datasets: no datasets defined")
	}

	names := make(map[string]struct{}, len(f.Datasets))
	labels := make(map[string]struct{}, len(f.Datasets))
	chains := make([]model.FallbackChain, 0, len(f.Datasets))
	for _, ds := range f.Datasets {
		chain, err := ds.chain()
		if err != nil {
			return nil, err
		}
		if _, dup := names[chain.Dataset]; dup {
			return nil, eris.Errorf("datasets: duplicate dataset %q", chain.Dataset)
		}
		if _, dup := labels[chain.Label]; dup {
			return nil, eris.Errorf("datasets: duplicate label %q", chain.Label)
		}
		names[chain.Dataset] = struct{}{}
		labels[chain.Label] = struct{}{}
		chains = append(chains, chain)
	}
	return chains, nil
}

func (ds Dataset) chain() (model.FallbackChain, error) {
	name := strings.TrimSpace(ds.Name)
	if name == "" {
		return model.FallbackChain{}, eris.New("datasets: dataset without a name")
	}
	if len(ds.Candidates) == 0 {
		return model.FallbackChain{}, eris.Errorf("datasets: %s has no candidates", name)
	}
	label := ds.Label
	if label == "" {
		label = name + "_population"
	}

	chain := model.FallbackChain{Dataset: name, Label: label, Candidates: make([]model.RasterSource, 0, len(ds.Candidates))}
	for i, c := range ds.Candidates {
		src, err := ds.source(c)
		if err != nil {
			return model.FallbackChain{}, eris.Wrapf(err, "datasets: %s candidate %d", name, i+1)
		}
		chain.Candidates = append(chain.Candidates, src)
	}
	return chain, nil
}

func (ds Dataset) source(c Candidate) (model.RasterSource, error) {
	if c.Collection == "" {
		return model.RasterSource{}, eris.New("missing collection")
	}
	src := model.RasterSource{
		Name:       c.Name,
		Collection: c.Collection,
		Kind:       model.SourceKind(firstNonEmpty(c.Kind, string(model.SourceKindCollection))),
		Band:       firstNonEmpty(c.Band, ds.Band),
		Scale:      firstPositive(c.Scale, ds.Scale, DefaultScale),
		TileScale:  int(firstPositive(float64(c.TileScale), float64(ds.TileScale), DefaultTileScale)),
		Clamp:      model.ClampPolicy(firstNonEmpty(c.Clamp, string(model.ClampSum))),
		Unweighted: c.Unweighted,
	}
	switch src.Kind {
	case model.SourceKindImage, model.SourceKindCollection:
	default:
		return model.RasterSource{}, eris.Errorf("unknown kind %q", src.Kind)
	}
	switch src.Clamp {
	case model.ClampSum, model.ClampPixel:
	default:
		return model.RasterSource{}, eris.Errorf("unknown clamp policy %q", src.Clamp)
	}
	if c.Scale < 0 || ds.Scale < 0 {
		return model.RasterSource{}, eris.New("scale must be positive")
	}

	// Dataset dates apply to collections only; an image has no time axis.
	start, end := c.Start, c.End
	if src.Kind == model.SourceKindCollection {
		start = firstNonEmpty(start, ds.Start)
		end = firstNonEmpty(end, ds.End)
	}
	var err error
	if src.Start, err = parseDate(start); err != nil {
		return model.RasterSource{}, eris.Wrap(err, "start")
	}
	if src.End, err = parseDate(end); err != nil {
		return model.RasterSource{}, eris.Wrap(err, "end")
	}
	if !src.Start.IsZero() && !src.End.IsZero() && src.End.Before(src.Start) {
		return model.RasterSource{}, eris.Errorf("end %s is before start %s", end, start)
	}
	return src, nil
}

// Select returns the named chains in the order given. No names selects all;
// a name given twice is an error.
func Select(chains []model.FallbackChain, names []string) ([]model.FallbackChain, error) {
	if len(names) == 0 {
		return chains, nil
	}
	byName := make(map[string]model.FallbackChain, len(chains))
	for _, c := range chains {
		byName[c.Dataset] = c
	}
	out := make([]model.FallbackChain, 0, len(names))
	picked := make(map[string]struct{}, len(names))
	for _, n := range names {
		if _, dup := picked[n]; dup {
			return nil, eris.Errorf("datasets: dataset %q selected more than once", n)
		}
		picked[n] = struct{}{}
		c, ok := byName[n]
		if !ok {
			return nil, eris.Errorf("datasets: unknown dataset %q", n)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "parse date %q", s)
	}
	return t, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
