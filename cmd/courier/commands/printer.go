package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"courier/internal/dispatch"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

var out io.Writer = os.Stdout

type printedError struct{ err error }

func (e *printedError) Error() string { return e.err.Error() }
func (e *printedError) Unwrap() error { return e.err }

func isPrinted(err error) bool {
	var pe *printedError
	return errors.As(err, &pe)
}

func printError(err error) {
	red.Fprintf(os.Stderr, "error: ")
	fmt.Fprintln(os.Stderr, err)
}

// failed prints err and marks it so Execute does not print it twice.
func failed(err error) error {
	printError(err)
	return &printedError{err: err}
}

func printResult(r dispatch.DeliveryResult) {
	if r.Success {
		green.Fprintf(out, "✓ %s", r.EndpointID)
	} else {
		red.Fprintf(out, "✗ %s", r.EndpointID)
	}
	fmt.Fprintf(out, "  %s", r.Mode)
	faint.Fprintf(out, "  attempts=%d took=%s id=%s", r.Attempts, r.Duration().Round(time.Millisecond), r.RequestID)
	fmt.Fprintln(out)
	if !r.Success {
		yellow.Fprintf(out, "    %s: ", r.ErrorKind)
		fmt.Fprintln(out, r.Error)
	}
}

func printBroadcast(rec dispatch.BroadcastRecord, order []string) {
	cyan.Fprintf(out, "broadcast %s", rec.BroadcastID)
	fmt.Fprintf(out, "  %s  priority=%d\n", rec.Mode, rec.Priority)
	seen := make(map[string]bool, len(rec.Results))
	rest := make([]string, 0, len(rec.Results))
	for id := range rec.Results {
		rest = append(rest, id)
	}
	sort.Strings(rest)
	for _, id := range append(order, rest...) {
		r, ok := rec.Results[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		fmt.Fprint(out, "  ")
		printResult(r)
	}
	summary := fmt.Sprintf("%d succeeded, %d failed", rec.SuccessCount, rec.FailCount)
	if rec.FailCount > 0 {
		yellow.Fprintln(out, summary)
	} else {
		green.Fprintln(out, summary)
	}
}

func header(w io.Writer, cols ...string) {
	fmt.Fprintln(w, strings.Join(cols, "\t"))
}
