//go:build linux

// nmbridge forwards frames between two devices in both directions.
// When both sides are netmap ports sharing a memory allocator, frames are
// moved by swapping slot buffers; otherwise they are copied.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/nmphy/internal/devconf"
	"github.com/romshark/nmphy/netmap"
	"github.com/romshark/nmphy/phy"
	"github.com/romshark/nmphy/phystat"
)

type Config struct {
	Left  devconf.Config `yaml:"left"`
	Right devconf.Config `yaml:"right"`

	// Copy forces byte copies even between netmap ports.
	Copy bool `yaml:"copy"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "nmbridge.yaml", "path to config YAML file")
	fLeft := flag.String("l", "", "left interface override")
	fRight := flag.String("r", "", "right interface override")
	fSync := flag.String("sync", "", "netmap sync mode override for both sides (poll|wait)")
	fCopy := flag.Bool("copy", false, "force copy mode (override)")
	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if *fLeft != "" {
		conf.Left.Interface = *fLeft
	}
	if *fRight != "" {
		conf.Right.Interface = *fRight
	}
	if *fSync != "" {
		var m netmap.SyncMode
		if err := m.UnmarshalText([]byte(*fSync)); err != nil {
			return nil, err
		}
		conf.Left.Sync, conf.Right.Sync = m, m
	}
	if *fCopy {
		conf.Copy = true
	}

	if err := conf.Left.Validate(); err != nil {
		return nil, fmt.Errorf("left: %w", err)
	}
	if err := conf.Right.Validate(); err != nil {
		return nil, fmt.Errorf("right: %w", err)
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type Stats struct {
	Frames  atomic.Uint64
	Bytes   atomic.Uint64
	Dropped atomic.Uint64
}

// forwarder moves one frame from src to dst, reporting whether src had one.
type forwarder func(src, dst devconf.Device, stats *Stats) (bool, error)

// zeroCopy swaps the received slot into dst. If dst stays full after a
// kick, the frame is dropped by releasing it back to src.
func zeroCopy(src, dst devconf.Device, stats *Stats) (bool, error) {
	s, d := src.(*netmap.Netmap), dst.(*netmap.Netmap)
	rx, _, ok, err := s.Receive()
	if !ok || err != nil {
		return false, err
	}
	var n int
	_ = rx.Consume(func(frame []byte) error {
		n = len(frame)
		return nil
	})

	err = d.ZeroCopyForward(s)
	if errors.Is(err, phy.ErrExhausted) {
		fatalIf(d.Flush(), "flushing %d", d.FD())
		err = d.ZeroCopyForward(s)
	}
	switch {
	case err == nil:
		stats.Frames.Add(1)
		stats.Bytes.Add(uint64(n))
	case errors.Is(err, phy.ErrExhausted):
		stats.Dropped.Add(1)
	default:
		return true, err
	}
	return true, nil
}

func copyFrame(src, dst devconf.Device, stats *Stats) (bool, error) {
	rx, _, ok, err := src.Receive()
	if !ok || err != nil {
		return false, err
	}
	maxOut := dst.Capabilities().MaxFrameSize
	return true, rx.Consume(func(frame []byte) error {
		if len(frame) > maxOut {
			stats.Dropped.Add(1)
			return nil
		}
		tx, ok := dst.Transmit()
		if !ok {
			stats.Dropped.Add(1)
			return nil
		}
		err := tx.Consume(len(frame), func(buf []byte) error {
			copy(buf, frame)
			return nil
		})
		switch {
		case err == nil:
			stats.Frames.Add(1)
			stats.Bytes.Add(uint64(len(frame)))
		case errors.Is(err, phy.ErrExhausted):
			stats.Dropped.Add(1)
		default:
			return err
		}
		return nil
	})
}

func runDirection(ctx context.Context, name string, src, dst devconf.Device, fwd forwarder, stats *Stats) {
	for ctx.Err() == nil {
		ok, err := fwd(src, dst, stats)
		fatalIf(err, "forwarding %s", name)
		if !ok {
			fatalIf(src.Wait(100*time.Millisecond), "waiting %s", name)
		}
	}
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)

	left, err := conf.Left.Open()
	fatalIf(err, "opening left")
	defer left.Close()
	right, err := conf.Right.Open()
	fatalIf(err, "opening right")
	defer right.Close()

	fwd := copyFrame
	_, lnm := left.(*netmap.Netmap)
	_, rnm := right.(*netmap.Netmap)
	if lnm && rnm && !conf.Copy {
		fwd = zeroCopy
	}
	fmt.Fprintf(os.Stderr, "bridging %s <-> %s (zerocopy=%t)\n",
		conf.Left.Name(), conf.Right.Name(), lnm && rnm && !conf.Copy)

	kernelIfaces := map[string]string{
		kernelName(&conf.Left):  "left",
		kernelName(&conf.Right): "right",
	}
	names := make([]string, 0, len(kernelIfaces))
	for n := range kernelIfaces {
		names = append(names, n)
	}
	kernelBefore, kerr := phystat.Kernel(names...)
	if kerr != nil {
		fmt.Fprintf(os.Stderr, "kernel counters unavailable: %v\n", kerr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var l2r, r2l Stats
	var wg sync.WaitGroup
	wg.Go(func() { runDirection(ctx, "left->right", left, right, fwd, &l2r) })
	wg.Go(func() { runDirection(ctx, "right->left", right, left, fwd, &r2l) })

	start := time.Now()
	t := time.NewTicker(time.Second)
	defer t.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-t.C:
			fmt.Printf("L->R=%s (%s) R->L=%s (%s) drop=%d\n",
				humanize.Comma(int64(l2r.Frames.Load())), humanize.Bytes(l2r.Bytes.Load()),
				humanize.Comma(int64(r2l.Frames.Load())), humanize.Bytes(r2l.Bytes.Load()),
				l2r.Dropped.Load()+r2l.Dropped.Load())
		}
	}
	wg.Wait()
	elapsed := time.Since(start).Seconds()

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:        %.3f s\n", elapsed)
	for _, d := range []struct {
		name string
		s    *Stats
	}{{"left->right", &l2r}, {"right->left", &r2l}} {
		frames := d.s.Frames.Load()
		p.Printf(" %-12s    %d frames, %d dropped, %d avg PPS, %.1f Mbps\n",
			d.name, frames, d.s.Dropped.Load(),
			uint64(float64(frames)/elapsed), float64(d.s.Bytes.Load()*8)/1e6/elapsed)
	}

	if kerr == nil {
		kernelAfter, err := phystat.Kernel(names...)
		fatalIf(err, "taking interface stats (after)")
		fmt.Fprintf(os.Stderr, "\nINTERFACE COUNTERS:\n")
		fatalIf(phystat.Print(os.Stderr, kernelAfter.Since(kernelBefore), kernelIfaces),
			"printing interface stats diff")
	}
}

// kernelName is the kernel interface carrying the traffic of conf.
func kernelName(conf *devconf.Config) string {
	if conf.Parent != "" {
		return conf.Parent
	}
	return conf.Interface
}
