package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Report accumulates replay results. It is safe for concurrent use.
type Report struct {
	mu sync.Mutex

	Processed int
	Errors    int
	Blocked   int
	Tiers     map[domain.RiskLevel]int
	ScoreSum  float64
	Latency   time.Duration

	// Confusion matrix of the block decision against labelled rows.
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// NewReport creates an empty report.
func NewReport() *Report {
	return &Report{Tiers: make(map[domain.RiskLevel]int)}
}

// AddError counts a failed submission.
func (r *Report) AddError() {
	r.mu.Lock()
	r.Errors++
	r.mu.Unlock()
}

// Add records one scored transaction.
func (r *Report) Add(rec *domain.TransactionRecord, label *bool, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Processed++
	r.Tiers[rec.RiskLevel]++
	r.ScoreSum += rec.FraudScore
	r.Latency += took
	if rec.IsBlocked {
		r.Blocked++
	}

	if label == nil {
		return
	}
	switch {
	case rec.IsBlocked && *label:
		r.TruePositives++
	case rec.IsBlocked && !*label:
		r.FalsePositives++
	case !rec.IsBlocked && !*label:
		r.TrueNegatives++
	default:
		r.FalseNegatives++
	}
}

// BlockRate is the share of processed transactions that were blocked.
func (r *Report) BlockRate() float64 {
	if r.Processed == 0 {
		return 0
	}
	return float64(r.Blocked) / float64(r.Processed)
}

// Precision and Recall score the block decision against labels.
func (r *Report) Precision() float64 {
	if r.TruePositives+r.FalsePositives == 0 {
		return 0
	}
	return float64(r.TruePositives) / float64(r.TruePositives+r.FalsePositives)
}

func (r *Report) Recall() float64 {
	if r.TruePositives+r.FalseNegatives == 0 {
		return 0
	}
	return float64(r.TruePositives) / float64(r.TruePositives+r.FalseNegatives)
}

// Print writes a human-readable summary.
func (r *Report) Print(w io.Writer, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(w, "\nREPLAY RESULTS\n")
	fmt.Fprintf(w, "   Processed:  %d\n", r.Processed)
	fmt.Fprintf(w, "   Errors:     %d\n", r.Errors)

	fmt.Fprintf(w, "\nRISK TIERS\n")
	for _, level := range []domain.RiskLevel{domain.RiskLow, domain.RiskMedium, domain.RiskHigh, domain.RiskCritical} {
		n := r.Tiers[level]
		share := 0.0
		if r.Processed > 0 {
			share = 100 * float64(n) / float64(r.Processed)
		}
		fmt.Fprintf(w, "   %-9s %8d (%.2f%%)\n", level, n, share)
	}

	fmt.Fprintf(w, "\nDECISIONS\n")
	fmt.Fprintf(w, "   Blocked:    %d (%.2f%%)\n", r.Blocked, 100*r.BlockRate())
	if r.Processed > 0 {
		fmt.Fprintf(w, "   Avg Score:  %.4f\n", r.ScoreSum/float64(r.Processed))
	}

	if labelled := r.TruePositives + r.FalsePositives + r.TrueNegatives + r.FalseNegatives; labelled > 0 {
		fmt.Fprintf(w, "\nAGAINST LABELS (%d rows)\n", labelled)
		fmt.Fprintf(w, "   TP %d  FP %d  TN %d  FN %d\n",
			r.TruePositives, r.FalsePositives, r.TrueNegatives, r.FalseNegatives)
		fmt.Fprintf(w, "   Precision:  %.4f\n", r.Precision())
		fmt.Fprintf(w, "   Recall:     %.4f\n", r.Recall())
	}

	fmt.Fprintf(w, "\nPERFORMANCE\n")
	fmt.Fprintf(w, "   Duration:   %v\n", duration.Round(time.Millisecond))
	if r.Processed > 0 {
		fmt.Fprintf(w, "   Avg Latency: %.2f ms\n", float64(r.Latency.Microseconds())/1000/float64(r.Processed))
		fmt.Fprintf(w, "   Throughput:  %.2f tx/sec\n", float64(r.Processed)/duration.Seconds())
	}
	fmt.Fprintln(w)
}
