package local

import (
	"bufio"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Grid is a north-up raster in geographic degrees. Values are row-major,
// first row northernmost.
type Grid struct {
	NCols     int
	NRows     int
	XMin      float64 // west edge
	YMin      float64 // south edge
	CellSize  float64
	NoData    float64
	HasNoData bool
	Values    []float64
}

// NewGrid builds a grid from rows of values (first row northernmost).
func NewGrid(xmin, ymin, cellSize float64, rows [][]float64) *Grid {
	g := &Grid{XMin: xmin, YMin: ymin, CellSize: cellSize, NRows: len(rows)}
	if len(rows) > 0 {
		g.NCols = len(rows[0])
	}
	g.Values = make([]float64, 0, g.NRows*g.NCols)
	for _, r := range rows {
		g.Values = append(g.Values, r...)
	}
	return g
}

// XMax returns the east edge.
func (g *Grid) XMax() float64 { return g.XMin + float64(g.NCols)*g.CellSize }

// YMax returns the north edge.
func (g *Grid) YMax() float64 { return g.YMin + float64(g.NRows)*g.CellSize }

// At returns the value of the cell containing (x, y). ok is false outside
// the grid, on no-data cells and on NaN.
func (g *Grid) At(x, y float64) (float64, bool) {
	if x < g.XMin || x >= g.XMax() || y <= g.YMin || y > g.YMax() {
		return 0, false
	}
	col := int((x - g.XMin) / g.CellSize)
	row := int((g.YMax() - y) / g.CellSize)
	if col < 0 || col >= g.NCols || row < 0 || row >= g.NRows {
		return 0, false
	}
	v := g.Values[row*g.NCols+col]
	if math.IsNaN(v) || (g.HasNoData && v == g.NoData) {
		return 0, false
	}
	return v, true
}

// ReadASCIIGridFile parses an ESRI ASCII grid file.
func ReadASCIIGridFile(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "local: open grid %s", path)
	}
	defer f.Close() //nolint:errcheck

	g, err := ParseASCIIGrid(f)
	if err != nil {
		return nil, eris.Wrapf(err, "local: parse grid %s", path)
	}
	return g, nil
}

// ParseASCIIGrid parses the ESRI ASCII grid format: a six-line header
// (ncols, nrows, xllcorner|xllcenter, yllcorner|yllcenter, cellsize,
// optional nodata_value) followed by nrows lines of ncols values.
func ParseASCIIGrid(r io.Reader) (*Grid, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	sc.Split(bufio.ScanWords)

	g := &Grid{}
	var centerX, centerY bool
	var pending string

	for sc.Scan() {
		tok := sc.Text()
		key := strings.ToLower(tok)
		if _, err := strconv.ParseFloat(tok, 64); err == nil {
			pending = tok
			break
		}
		if !sc.Scan() {
			return nil, eris.Errorf("local: header %q has no value", tok)
		}
		val := sc.Text()
		switch key {
		case "ncols":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, eris.Wrap(err, "local: ncols")
			}
			g.NCols = n
		case "nrows":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, eris.Wrap(err, "local: nrows")
			}
			g.NRows = n
		case "xllcorner", "xllcenter":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, eris.Wrap(err, "local: "+key)
			}
			g.XMin = f
			centerX = key == "xllcenter"
		case "yllcorner", "yllcenter":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, eris.Wrap(err, "local: "+key)
			}
			g.YMin = f
			centerY = key == "yllcenter"
		case "cellsize":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, eris.Wrap(err, "local: cellsize")
			}
			g.CellSize = f
		case "nodata_value":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return nil, eris.Wrap(err, "local: nodata_value")
			}
			g.NoData = f
			g.HasNoData = true
		default:
			return nil, eris.Errorf("local: unknown header %q", tok)
		}
	}

	if g.NCols <= 0 || g.NRows <= 0 || g.CellSize <= 0 {
		return nil, eris.Errorf("local: invalid grid header ncols=%d nrows=%d cellsize=%g", g.NCols, g.NRows, g.CellSize)
	}
	if centerX {
		g.XMin -= g.CellSize / 2
	}
	if centerY {
		g.YMin -= g.CellSize / 2
	}

	g.Values = make([]float64, 0, g.NCols*g.NRows)
	if pending != "" {
		v, _ := strconv.ParseFloat(pending, 64)
		g.Values = append(g.Values, v)
	}
	for sc.Scan() {
		v, err := strconv.ParseFloat(sc.Text(), 64)
		if err != nil {
			return nil, eris.Wrapf(err, "local: cell %d", len(g.Values))
		}
		g.Values = append(g.Values, v)
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "local: scan grid")
	}
	if len(g.Values) != g.NCols*g.NRows {
		return nil, eris.Errorf("local: expected %d cells, got %d", g.NCols*g.NRows, len(g.Values))
	}
	return g, nil
}
