// volcano renders a volcano plot (log fold-change against -log10 adjusted
// p-value) from a top-table CSV produced by the diffexpr command.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"github.com/bioc/crossmeta/contrast"
)

func main() {
	var (
		input  string
		output string
		alpha  float64
		width  int
		height int
	)

	flag.StringVar(&input, "input", "", "Top-table CSV written by diffexpr (required).")
	flag.StringVar(&output, "output", "volcano.png", "Output PNG path.")
	flag.Float64Var(&alpha, "alpha", 0.05, "Adjusted p-value cutoff that splits significant from non-significant points.")
	flag.IntVar(&width, "width", 1024, "Plot width in pixels.")
	flag.IntVar(&height, "height", 768, "Plot height in pixels.")
	flag.Parse()

	if input == "" {
		flag.PrintDefaults()
		log.Fatalln("Please provide -input")
	}

	if err := run(input, output, alpha, width, height); err != nil {
		log.Fatalln(pfx.Err(err))
	}
}

func run(input, output string, alpha float64, width, height int) error {
	f, err := os.Open(input)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	var rows []*contrast.Row
	if err := gocsv.Unmarshal(f, &rows); err != nil {
		return pfx.Err(err)
	}

	var sigX, sigY, restX, restY []float64
	for _, r := range rows {
		if r.AdjP == nil || r.P == nil {
			// Degraded tables carry no p-values and cannot be plotted.
			continue
		}

		y := -math.Log10(math.Max(*r.P, math.SmallestNonzeroFloat64))
		if *r.AdjP <= alpha {
			sigX = append(sigX, r.LogFC)
			sigY = append(sigY, y)
		} else {
			restX = append(restX, r.LogFC)
			restY = append(restY, y)
		}
	}

	if len(sigX)+len(restX) == 0 {
		return fmt.Errorf("%s has no rows with p-values (degraded table?)", input)
	}

	dots := func(c drawing.Color) chart.Style {
		return chart.Style{
			StrokeWidth: chart.Disabled,
			DotWidth:    3,
			DotColor:    c,
		}
	}

	series := []chart.Series{}
	if len(restX) > 0 {
		series = append(series, chart.ContinuousSeries{
			Name:    "Not significant",
			Style:   dots(drawing.Color{R: 120, G: 120, B: 120, A: 255}),
			XValues: restX,
			YValues: restY,
		})
	}
	if len(sigX) > 0 {
		series = append(series, chart.ContinuousSeries{
			Name:    fmt.Sprintf("Adjusted p <= %g", alpha),
			Style:   dots(drawing.Color{R: 200, G: 30, B: 30, A: 255}),
			XValues: sigX,
			YValues: sigY,
		})
	}

	graph := chart.Chart{
		Width:  width,
		Height: height,
		XAxis: chart.XAxis{
			Name: "log2 fold change",
		},
		YAxis: chart.YAxis{
			Name: "-log10 p-value",
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	// Render to a byte buffer
	buffer := bytes.NewBuffer([]byte{})
	if err := graph.Render(chart.PNG, buffer); err != nil {
		return pfx.Err(err)
	}

	outFile, err := os.Create(output)
	if err != nil {
		return pfx.Err(err)
	}
	defer outFile.Close()
	if _, err := buffer.WriteTo(outFile); err != nil {
		return pfx.Err(err)
	}

	return nil
}
