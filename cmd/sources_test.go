//go:build !integration

package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gbsc-lab/tilepop/internal/datasets"
)

func TestFormatChains_Defaults(t *testing.T) {
	var buf bytes.Buffer
	formatChains(&buf, datasets.Defaults())

	output := buf.String()
	assert.Contains(t, output, "DATASET")
	assert.Contains(t, output, "worldpop_population")
	assert.Contains(t, output, "ghsl_population")
	assert.Contains(t, output, "WorldPop/GP/100m/pop")
	assert.Contains(t, output, "ghs-pop-2025")
	assert.Contains(t, output, "100m")

	// Header, separator, then one line per candidate.
	lines := strings.Split(strings.TrimSpace(output), "\n")
	total := 0
	for _, c := range datasets.Defaults() {
		total += len(c.Candidates)
	}
	assert.Len(t, lines, 2+total)
	assert.Less(t, strings.Index(output, "JRC/GHSL/P2023A/POP_MT"), strings.Index(output, "JRC/GHSL/P2023A/POP_GP"))
}
