package export

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gbsc-lab/tilepop/internal/db"
	"github.com/gbsc-lab/tilepop/internal/model"
)

// Format names an output encoding.
type Format string

const (
	FormatCSV         Format = "csv"
	FormatCSVGeometry Format = "csv_geometry"
	FormatJSON        Format = "json"
	FormatGeoJSON     Format = "geojson"
	FormatXLSX        Format = "xlsx"
	FormatPostGIS     Format = "postgis"
)

// DefaultFormats are written when no formats are configured.
var DefaultFormats = []Format{FormatCSV, FormatCSVGeometry, FormatJSON, FormatGeoJSON}

// ErrUnknownFormat is returned for a format name with no exporter.
var ErrUnknownFormat = errors.New("export: unknown format")

// ParseFormats validates format names, dropping duplicates.
func ParseFormats(names []string) ([]Format, error) {
	if len(names) == 0 {
		return append([]Format(nil), DefaultFormats...), nil
	}
	seen := make(map[Format]struct{}, len(names))
	out := make([]Format, 0, len(names))
	for _, n := range names {
		f := Format(strings.ToLower(strings.TrimSpace(n)))
		switch f {
		case FormatCSV, FormatCSVGeometry, FormatJSON, FormatGeoJSON, FormatXLSX, FormatPostGIS:
		default:
			return nil, eris.Wrapf(ErrUnknownFormat, "%q", n)
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out, nil
}

// Exporter writes a table somewhere and returns where it went.
type Exporter interface {
	Format() Format
	Export(ctx context.Context, t *model.CombinedTable) (string, error)
}

// Options configures Build.
type Options struct {
	Dir      string
	Basename string
	Formats  []Format
	// PostGIS output; required only when Formats contains FormatPostGIS.
	Pool  db.Pool
	Table string
	RunID string
}

// Build returns one exporter per format, in format order.
func Build(opts Options) ([]Exporter, error) {
	if opts.Basename == "" {
		return nil, eris.New("export: empty basename")
	}
	out := make([]Exporter, 0, len(opts.Formats))
	for _, f := range opts.Formats {
		switch f {
		case FormatPostGIS:
			if opts.Pool == nil {
				return nil, eris.New("export: postgis output needs a database pool")
			}
			out = append(out, NewPostGISExporter(opts.Pool, opts.Table, opts.RunID))
		case FormatCSV, FormatCSVGeometry, FormatJSON, FormatGeoJSON, FormatXLSX:
			out = append(out, &FileExporter{Dir: opts.Dir, Basename: opts.Basename, Kind: f})
		default:
			return nil, eris.Wrapf(ErrUnknownFormat, "%q", f)
		}
	}
	return out, nil
}

// FileExporter writes one file format under Dir.
type FileExporter struct {
	Dir      string
	Basename string
	Kind     Format
}

// Format implements Exporter.
func (e *FileExporter) Format() Format { return e.Kind }

// Path returns the destination file.
func (e *FileExporter) Path() string {
	var name string
	switch e.Kind {
	case FormatCSVGeometry:
		name = e.Basename + "_with_geometry.csv"
	default:
		name = e.Basename + "." + string(e.Kind)
	}
	return filepath.Join(e.Dir, name)
}

// Export implements Exporter. The file is written to a temporary name in
// the same directory and renamed into place.
func (e *FileExporter) Export(ctx context.Context, t *model.CombinedTable) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.Dir != "" {
		if err := os.MkdirAll(e.Dir, 0o755); err != nil {
			return "", eris.Wrapf(err, "export: create %s", e.Dir)
		}
	}

	path := e.Path()
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return "", eris.Wrap(err, "export: create temp file")
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	switch e.Kind {
	case FormatCSV:
		err = WriteCSV(tmp, t, false)
	case FormatCSVGeometry:
		err = WriteCSV(tmp, t, true)
	case FormatJSON:
		err = WriteJSON(tmp, t)
	case FormatGeoJSON:
		err = WriteGeoJSON(tmp, t)
	case FormatXLSX:
		err = WriteXLSX(tmp, t, "")
	default:
		err = eris.Wrapf(ErrUnknownFormat, "%q", e.Kind)
	}
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = eris.Wrap(cerr, "export: close temp file")
	}
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", eris.Wrapf(err, "export: rename to %s", path)
	}

	zap.L().Info("export written",
		zap.String("component", "export"),
		zap.String("format", string(e.Kind)),
		zap.String("path", path),
		zap.Int("rows", t.Len()),
	)
	return path, nil
}
