package main

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/framesrv/internal/client"
	"github.com/spf13/cobra"
)

type benchResult struct {
	frames    int
	errors    int
	elapsed   time.Duration
	latencies []time.Duration
}

func (r benchResult) percentile(p float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	idx := int(float64(len(r.latencies)-1) * p)
	return r.latencies[idx]
}

func benchCmd(flags *globalFlags) *cobra.Command {
	var (
		conns   int
		count   int
		payload string
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Fan out concurrent connections and measure round trips",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conns < 1 || count < 1 {
				return fmt.Errorf("--conns and --count must be >= 1")
			}
			p, err := resolveProfile(flags)
			if err != nil {
				return err
			}
			res := runBench(cmd, p, conns, count, []byte(payload))
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "frames=%d errors=%d elapsed=%s rate=%.0f/s\n",
				res.frames, res.errors, res.elapsed.Round(time.Millisecond),
				float64(res.frames)/res.elapsed.Seconds())
			fmt.Fprintf(out, "p50=%s p99=%s max=%s\n", res.percentile(0.50), res.percentile(0.99), res.percentile(1))
			if res.errors > 0 {
				return fmt.Errorf("%d calls failed", res.errors)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&conns, "conns", 16, "concurrent connections")
	cmd.Flags().IntVar(&count, "count", 1000, "calls per connection")
	cmd.Flags().StringVar(&payload, "payload", "ping", "frame payload")
	return cmd
}

func runBench(cmd *cobra.Command, p profile, conns, count int, payload []byte) benchResult {
	var (
		mu  sync.Mutex
		res benchResult
		wg  sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, count)
			failed := 0
			c, err := client.Dial(cmd.Context(), p.Addr, p.Client)
			if err != nil {
				mu.Lock()
				res.errors += count
				mu.Unlock()
				return
			}
			defer c.Close()
			for j := 0; j < count; j++ {
				t0 := time.Now()
				if _, err := c.Call(payload); err != nil {
					failed += count - j
					break
				}
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			res.frames += len(local)
			res.errors += failed
			res.latencies = append(res.latencies, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	res.elapsed = time.Since(start)
	sort.Slice(res.latencies, func(i, j int) bool { return res.latencies[i] < res.latencies[j] })
	return res
}
