package main

import (
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/pl011/internal/timeslice"
)

type traceRecord struct {
	timeslice.KindSummary
}

func (r traceRecord) String() string {
	avg := time.Duration(0)
	if r.Count > 0 {
		avg = r.Total / time.Duration(r.Count)
	}
	return fmt.Sprintf("% 24s count=% 8d sum=% 16s max=% 16s avg=% 16s",
		r.Kind, r.Count, r.Total, r.Max, avg)
}

func runTrace(args []string) error {
	fs, debug := newFlagSet("trace", "Print events from a timeslice file written by console -timeslice-file.")
	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-kind sums instead of individual events")
	asYAML := fs.Bool("yaml", false, "Print sums as YAML")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)

	if *filename == "" {
		fs.Usage()
		return fmt.Errorf("-filename is required")
	}

	f, err := os.Open(*filename)
	if err != nil {
		return fmt.Errorf("open timeslice file: %w", err)
	}
	defer f.Close()

	if !*sums && !*asYAML {
		return timeslice.ReadAllRecords(f, func(ev timeslice.Event) error {
			fmt.Printf("%12s %-16s %-10s %s\n", ev.Offset, ev.Kind, ev.Flags, ev.Duration)
			return nil
		})
	}

	summary, err := timeslice.Summarize(f)
	if err != nil {
		return err
	}
	if *asYAML {
		return writeYAML(os.Stdout, summary)
	}
	for _, s := range summary {
		fmt.Println(traceRecord{s})
	}
	return nil
}
