package admin

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// handleParamsChart renders recent parameter values as an interactive line
// chart. The x axis is seconds relative to the newest sample.
func (s *Server) handleParamsChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	series := s.cfg.History.Snapshot()
	newest := newestSample(series)

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "facebridge parameters", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Forwarded parameters", Subtitle: fmt.Sprintf("%d parameters", len(series))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "seconds", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "value"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)

	for _, name := range s.cfg.History.Names() {
		samples := series[name]
		data := make([]opts.LineData, 0, len(samples))
		for _, sm := range samples {
			data = append(data, opts.LineData{Value: []interface{}{sm.At.Sub(newest).Seconds(), sm.Value}})
		}
		line.AddSeries(name, data, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleParamsPNG renders the same data as a static PNG.
func (s *Server) handleParamsPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	series := s.cfg.History.Snapshot()
	newest := newestSample(series)

	p := plot.New()
	p.Title.Text = "Forwarded parameters"
	p.X.Label.Text = "seconds"
	p.Y.Label.Text = "value"

	for i, name := range s.cfg.History.Names() {
		samples := series[name]
		pts := make(plotter.XYs, 0, len(samples))
		for _, sm := range samples {
			pts = append(pts, plotter.XY{X: sm.At.Sub(newest).Seconds(), Y: sm.Value})
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build line %s: %v", name, err))
			return
		}
		l.Width = vg.Points(1)
		l.Color = plotutil.Color(i)
		p.Add(l)
		p.Legend.Add(name, l)
	}

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to encode plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func newestSample(series map[string][]Sample) time.Time {
	var newest time.Time
	for _, samples := range series {
		if n := len(samples); n > 0 && samples[n-1].At.After(newest) {
			newest = samples[n-1].At
		}
	}
	return newest
}
