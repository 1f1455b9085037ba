package main

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

// schedlab has nothing to do with the server; it demonstrates why the
// server's handlers only ever wait at I/O points. A busy-wait occupies a
// scheduler worker for its whole duration, while a parked goroutine frees
// the worker for everyone else. On a single worker the difference decides
// whether concurrent tasks interleave at all.
func newSchedLabCommand() *cobra.Command {
	var iterations int
	var pause time.Duration
	cmd := &cobra.Command{
		Use:   "schedlab",
		Short: "Compare blocking and yielding waits across scheduler configurations",
		RunE: func(cmd *cobra.Command, args []string) error {
			runSchedLab(cmd.OutOrStdout(), iterations, pause)
			return nil
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 3, "iterations per task")
	cmd.Flags().DurationVar(&pause, "pause", 60*time.Millisecond, "wait per iteration")
	return cmd
}

func runSchedLab(w io.Writer, iterations int, pause time.Duration) {
	out := &lockedWriter{w: w}
	prev := runtime.GOMAXPROCS(0)
	defer runtime.GOMAXPROCS(prev)

	runtime.GOMAXPROCS(1)
	fmt.Fprintln(out, "=== single worker: busy-wait (bad - tasks serialize) ===")
	runLoopers(out, "single", iterations, pause, busyWait)
	fmt.Fprintln(out, "\n=== single worker: time.Sleep (good - tasks interleave) ===")
	runLoopers(out, "single", iterations, pause, time.Sleep)

	runtime.GOMAXPROCS(3)
	fmt.Fprintln(out, "\n=== three workers: busy-wait (tolerated - each task owns a worker) ===")
	runLoopers(out, "multi", iterations, pause, busyWait)
	fmt.Fprintln(out, "\n=== three workers: time.Sleep (good) ===")
	runLoopers(out, "multi", iterations, pause, time.Sleep)
}

func runLoopers(w io.Writer, label string, iterations int, pause time.Duration, wait func(time.Duration)) {
	start := time.Now()
	var wg sync.WaitGroup
	for n := 0; n < 3; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				fmt.Fprintf(w, "[%s] +%4dms task %d iteration %d\n",
					label, time.Since(start).Milliseconds(), n, i)
				wait(pause)
			}
		}(n)
	}
	wg.Wait()
}

// busyWait spins for d without yielding the worker it runs on.
func busyWait(d time.Duration) {
	for end := time.Now().Add(d); time.Now().Before(end); {
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
