// Package monitor exports gate routing statistics to files and metrics
// backends. Every sink implements moe.Observer.
package monitor

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/FlavioCFOliveira/moefy/internal/moe"
)

var csvHeader = []string{"gate", "call", "tokens", "importance_loss", "load_loss", "balance_loss", "importance", "load", "time_seconds"}

// CSVLogger writes one row per gate call. Per-expert vectors are
// semicolon-separated within their column.
type CSVLogger struct {
	Filename string
	Append   bool

	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	start  time.Time
	calls  map[string]int
}

// NewCSVLogger creates a new CSVLogger.
func NewCSVLogger(filename string, append bool) *CSVLogger {
	return &CSVLogger{
		Filename: filename,
		Append:   append,
	}
}

// Open creates or truncates the file and writes the header when needed.
func (c *CSVLogger) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mode := os.O_CREATE | os.O_WRONLY
	if c.Append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}

	file, err := os.OpenFile(c.Filename, mode, 0o644)
	if err != nil {
		return fmt.Errorf("csv logger: %w", err)
	}
	c.file = file
	c.writer = csv.NewWriter(file)
	c.start = time.Now()
	c.calls = map[string]int{}

	info, err := file.Stat()
	if err == nil && (info.Size() == 0 || !c.Append) {
		if err := c.writer.Write(csvHeader); err != nil {
			return err
		}
		c.writer.Flush()
		return c.writer.Error()
	}
	return nil
}

func joinFloats(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
	}
	return strings.Join(parts, ";")
}

// ObserveGate appends a row. Calls before Open or after Close are dropped.
func (c *CSVLogger) ObserveGate(step moe.GateStep) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return
	}

	call := c.calls[step.Gate]
	c.calls[step.Gate] = call + 1

	record := []string{
		step.Gate,
		strconv.Itoa(call),
		strconv.Itoa(step.Tokens),
		fmt.Sprintf("%.6f", step.ImportanceLoss),
		fmt.Sprintf("%.6f", step.LoadLoss),
		fmt.Sprintf("%.6f", step.BalanceLoss),
		joinFloats(step.Importance),
		joinFloats(step.Load),
		fmt.Sprintf("%.2f", time.Since(c.start).Seconds()),
	}
	if err := c.writer.Write(record); err != nil {
		slog.Warn("csv logger: failed to write record", "file", c.Filename, "error", err)
	}
	c.writer.Flush()
}

// Close flushes and closes the file.
func (c *CSVLogger) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	c.writer.Flush()
	err := c.writer.Error()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	c.file = nil
	c.writer = nil
	return err
}
