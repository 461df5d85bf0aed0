// Package progress reports how far along a clone stage is.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NicabarNimble/go-gitclone/internal/logger"
)

// Tracker interface defines methods for tracking operation progress
type Tracker interface {
	Start(operation string) *Operation
	Update(current, total int64)
	Complete()
	Error(err error)
}

// Operation represents a tracked operation
type Operation struct {
	Name         string
	StartTime    time.Time
	Status       string
	LastUpdate   time.Time
	LastCurrent  int64
	LastTotal    int64
	ProgressRate float64 // items per second
	RateHistory  []float64
	EstimatedETA time.Time
}

const (
	rateHistorySize = 10 // Keep last 10 rate measurements for averaging

	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

func newOperation(name string) *Operation {
	now := time.Now()
	return &Operation{
		Name:        name,
		StartTime:   now,
		LastUpdate:  now,
		Status:      StatusInProgress,
		RateHistory: make([]float64, 0, rateHistorySize),
	}
}

// record folds a new measurement into the rolling rate and the ETA.
func (o *Operation) record(current, total int64, now time.Time) {
	if o.LastCurrent > 0 {
		if dt := now.Sub(o.LastUpdate).Seconds(); dt > 0 {
			rate := float64(current-o.LastCurrent) / dt
			if len(o.RateHistory) >= rateHistorySize {
				o.RateHistory = o.RateHistory[1:]
			}
			o.RateHistory = append(o.RateHistory, rate)

			var sum float64
			for _, r := range o.RateHistory {
				sum += r
			}
			o.ProgressRate = sum / float64(len(o.RateHistory))

			if o.ProgressRate > 0 {
				remaining := float64(total-current) / o.ProgressRate
				o.EstimatedETA = now.Add(time.Duration(remaining * float64(time.Second)))
			}
		}
	}
	o.LastUpdate = now
	o.LastCurrent = current
	o.LastTotal = total
}

// Percent returns the completed share of the last update, 0 when the total
// is unknown.
func (o *Operation) Percent() float64 {
	if o.LastTotal <= 0 {
		return 0
	}
	return float64(o.LastCurrent) / float64(o.LastTotal) * 100
}

func (o *Operation) eta() string {
	if o.EstimatedETA.IsZero() {
		return "calculating..."
	}
	if remaining := time.Until(o.EstimatedETA).Round(time.Second); remaining > 0 {
		return remaining.String()
	}
	return "almost done"
}

// DefaultTracker records progress without reporting it. It is safe for
// concurrent use.
type DefaultTracker struct {
	mu               sync.Mutex
	CurrentOperation *Operation
}

// Start begins tracking a new operation
func (t *DefaultTracker) Start(operation string) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.CurrentOperation = newOperation(operation)
	return t.CurrentOperation
}

// Complete marks the operation as completed
func (t *DefaultTracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CurrentOperation != nil {
		t.CurrentOperation.Status = StatusCompleted
	}
}

// Error marks the operation as failed
func (t *DefaultTracker) Error(error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CurrentOperation != nil {
		t.CurrentOperation.Status = StatusFailed
	}
}

// Update updates the progress of the current operation
func (t *DefaultTracker) Update(current, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.CurrentOperation == nil {
		return
	}
	t.CurrentOperation.record(current, total, time.Now())
}

// ConsoleTracker redraws a single status line on a terminal.
type ConsoleTracker struct {
	mu               sync.Mutex
	out              io.Writer
	currentOperation *Operation
}

// NewConsoleTracker creates a tracker writing to out, or stderr when out
// is nil.
func NewConsoleTracker(out io.Writer) *ConsoleTracker {
	if out == nil {
		out = os.Stderr
	}
	return &ConsoleTracker{out: out}
}

// Start begins tracking a new operation
func (t *ConsoleTracker) Start(operation string) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentOperation = newOperation(operation)
	fmt.Fprintf(t.out, "Starting: %s\n", operation)
	return t.currentOperation
}

// Update redraws the status line
func (t *ConsoleTracker) Update(current, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op := t.currentOperation
	if op == nil {
		return
	}
	op.record(current, total, time.Now())
	fmt.Fprintf(t.out, "\r%s: %.2f%% (%d/%d, %.1f/s, ETA: %s)",
		op.Name, op.Percent(), current, total, op.ProgressRate, op.eta())
}

// Complete ends the status line
func (t *ConsoleTracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentOperation == nil {
		return
	}
	fmt.Fprintf(t.out, "\nCompleted: %s (took %v)\n", t.currentOperation.Name,
		time.Since(t.currentOperation.StartTime).Round(time.Millisecond))
	t.currentOperation = nil
}

// Error reports the failure of the current operation
func (t *ConsoleTracker) Error(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.currentOperation == nil {
		return
	}
	fmt.Fprintf(t.out, "\nError: %s - %v\n", t.currentOperation.Name, err)
	t.currentOperation = nil
}

// LogTracker reports progress through the package logger, at most once
// per Interval.
type LogTracker struct {
	Interval time.Duration

	mu      sync.Mutex
	op      *Operation
	entry   *logrus.Entry
	lastLog time.Time
}

// NewLogTracker returns a tracker logging every few seconds.
func NewLogTracker() *LogTracker {
	return &LogTracker{Interval: 2 * time.Second}
}

func (t *LogTracker) Start(operation string) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.op = newOperation(operation)
	t.entry = logger.Log.WithField("operation", operation)
	t.lastLog = time.Time{}
	t.entry.Debug("started")
	return t.op
}

func (t *LogTracker) Update(current, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.op == nil {
		return
	}
	now := time.Now()
	t.op.record(current, total, now)
	if now.Sub(t.lastLog) < t.Interval && current != total {
		return
	}
	t.lastLog = now
	t.entry.WithFields(logrus.Fields{
		"current": current,
		"total":   total,
		"percent": fmt.Sprintf("%.1f", t.op.Percent()),
		"eta":     t.op.eta(),
	}).Info("progress")
}

func (t *LogTracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.op == nil {
		return
	}
	t.op.Status = StatusCompleted
	t.entry.WithField("duration", time.Since(t.op.StartTime).Round(time.Millisecond)).Info("completed")
	t.op = nil
}

func (t *LogTracker) Error(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.op == nil {
		return
	}
	t.op.Status = StatusFailed
	t.entry.WithError(err).Warn("failed")
	t.op = nil
}
