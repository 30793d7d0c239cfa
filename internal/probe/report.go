package probe

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
)

// Share is one replica's part of the traffic.
type Share struct {
	DisplayName string
	Count       int
	Percent     float64
}

type Report struct {
	Results  []Result
	Failures int
	counts   map[string]int
}

func newReport() *Report {
	return &Report{counts: make(map[string]int)}
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	if res.Err != nil {
		r.Failures++
		return
	}
	r.counts[res.DisplayName]++
}

// Succeeded is the number of probes that identified a replica.
func (r *Report) Succeeded() int {
	return len(r.Results) - r.Failures
}

// Spread is the number of distinct replicas seen.
func (r *Report) Spread() int {
	return len(r.counts)
}

// Distribution lists replicas by descending count, then by name.
func (r *Report) Distribution() []Share {
	shares := make([]Share, 0, len(r.counts))
	ok := r.Succeeded()
	for name, n := range r.counts {
		shares = append(shares, Share{
			DisplayName: name,
			Count:       n,
			Percent:     100 * float64(n) / float64(ok),
		})
	}
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].Count != shares[j].Count {
			return shares[i].Count > shares[j].Count
		}
		return shares[i].DisplayName < shares[j].DisplayName
	})
	return shares
}

// MeanLatency averages successful probes.
func (r *Report) MeanLatency() time.Duration {
	var total time.Duration
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			total += res.Latency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

func (r *Report) Write(w io.Writer, verbose bool) {
	bold := color.New(color.Bold)
	warn := color.New(color.FgYellow)
	fail := color.New(color.FgRed)

	if verbose {
		for _, res := range r.Results {
			if res.Err != nil {
				fail.Fprintf(w, "#%-4d error: %v\n", res.Seq, res.Err)
				continue
			}
			fmt.Fprintf(w, "#%-4d %s (%s) %s\n", res.Seq, res.DisplayName, res.InstanceID, res.Latency.Round(time.Millisecond))
		}
		fmt.Fprintln(w)
	}

	bold.Fprintf(w, "Replica distribution (%d/%d probes succeeded)\n", r.Succeeded(), len(r.Results))
	for _, s := range r.Distribution() {
		bar := strings.Repeat("#", int(s.Percent/2))
		fmt.Fprintf(w, "  %-40s %5d  %5.1f%%  %s\n", s.DisplayName, s.Count, s.Percent, bar)
	}
	fmt.Fprintf(w, "Distinct replicas: %d\n", r.Spread())
	fmt.Fprintf(w, "Mean latency: %s\n", r.MeanLatency().Round(time.Millisecond))

	if r.Failures > 0 {
		fail.Fprintf(w, "Failed probes: %d\n", r.Failures)
	}
	if r.Spread() == 1 && r.Succeeded() > 1 {
		warn.Fprintln(w, "All probes reached the same replica; check load balancer affinity settings.")
	}
}
