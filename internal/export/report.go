package export

import (
	"io"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/flood-exposure/internal/flood"
)

// WriteReport prints the human-readable summary of a run. Areas and
// percentages carry two decimals; counts use digit grouping.
func WriteReport(w io.Writer, res *flood.Result) error {
	if res == nil {
		return eris.New("report: nil result")
	}
	p := message.NewPrinter(language.English)
	rw := &reportWriter{w: w, p: p}

	rw.line("Flood exposure report\n")
	rw.line("  Run:                 %s\n", res.RunID)
	rw.line("  AOI:                 %s %s (%.2f km²)\n", res.AOIMode, res.AOISource, res.AOIAreaKm2)
	rw.line("  Window:              %s to %s\n",
		res.Window.Start.Format(time.DateOnly), res.Window.End.Format(time.DateOnly))
	rw.line("  Low-lying below:     %.2f m\n", res.LowLyingThresholdM)
	rw.line("\n")
	rw.line("Flood frequency\n")
	rw.line("  Scenes:              %d\n", res.Frequency.Scenes)
	rw.line("  Mean:                %.2f%%\n", res.Frequency.Mean)
	rw.line("  Max:                 %.2f%%\n", res.Frequency.Max)
	rw.line("  Flood-prone area:    %.2f km²\n", res.FloodProneAreaKm2)
	if res.EmptyMask {
		rw.line("  No flood-prone pixels in the region; exposure is zero.\n")
	}
	rw.line("\n")
	rw.line("Buildings (%s mode)\n", res.Buildings.Mode)
	rw.line("  Total in region:     %d\n", res.Buildings.Total)
	rw.line("  In flood-prone area: %d\n", res.Buildings.Flooded)
	if res.Buildings.Empty {
		rw.line("  No buildings in the region.\n")
	}
	rw.line("\n")
	rw.line("Land cover in flood-prone area (km²)\n")
	for _, c := range res.LandCover {
		rw.line("  %-26s %10.2f\n", c.Name, c.AreaKm2)
	}
	rw.line("  %-26s %10.2f\n", "Total", res.LandCoverTotalKm2())
	return eris.Wrap(rw.err, "report: write")
}

// reportWriter keeps the first write error so the report body reads as a
// plain sequence of lines.
type reportWriter struct {
	w   io.Writer
	p   *message.Printer
	err error
}

func (r *reportWriter) line(format string, args ...any) {
	if r.err != nil {
		return
	}
	_, r.err = r.p.Fprintf(r.w, format, args...)
}
