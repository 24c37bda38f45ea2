//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/nmphy/internal/devconf"
	"github.com/romshark/nmphy/internal/udpframe"
	"github.com/romshark/nmphy/phy"
	"github.com/romshark/nmphy/phycap"
	"github.com/romshark/nmphy/phystat"
)

type Config struct {
	Device devconf.Config `yaml:"device"`

	// Verify checks that test frames for DstPort arrive in sequence.
	Verify  bool   `yaml:"verify"`
	DstPort uint16 `yaml:"dst-port"`

	// Count stops after this many frames; 0 runs until interrupted.
	Count uint64 `yaml:"count"`
	Pcap  string `yaml:"pcap"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "nmrecv.yaml", "path to config YAML file")
	fIface := flag.String("i", "", "device interface override")
	fSync := flag.String("sync", "", "netmap sync mode override (poll|wait)")
	fVerify := flag.Bool("verify", false, "verify sequence numbers (override)")
	fCount := flag.Uint64("n", 0, "frame count override")
	fPcap := flag.String("pcap", "", "write received frames to this pcap file")
	flag.Parse()

	b, err := os.ReadFile(*fConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var conf Config
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if *fIface != "" {
		conf.Device.Interface = *fIface
	}
	if *fSync != "" {
		if err := conf.Device.Sync.UnmarshalText([]byte(*fSync)); err != nil {
			return nil, err
		}
	}
	if *fVerify {
		conf.Verify = true
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fPcap != "" {
		conf.Pcap = *fPcap
	}

	if err := conf.Device.Validate(); err != nil {
		return nil, err
	}
	if conf.Verify && conf.DstPort == 0 {
		conf.DstPort = 12345
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type verifier struct {
	parser  *udpframe.Parser
	port    uint16
	next    uint32
	matched uint64
	gaps    uint64
	reorder uint64
}

func (v *verifier) check(frame []byte) {
	seq, err := v.parser.Seq(frame, v.port)
	if err != nil {
		return
	}
	v.matched++
	switch {
	case seq == v.next:
	case seq > v.next:
		v.gaps += uint64(seq - v.next)
	default:
		v.reorder++
		return
	}
	v.next = seq + 1
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)

	raw, err := conf.Device.Open()
	fatalIf(err, "opening device")
	defer raw.Close()

	var dev phy.Device = raw
	if conf.Pcap != "" {
		f, err := os.Create(conf.Pcap)
		fatalIf(err, "creating pcap file")
		trace := phycap.NewTrace(f, raw.Capabilities().MaxFrameSize)
		defer func() { fatalIf(trace.Close(), "closing pcap trace") }()
		dev = phycap.Wrap(dev, trace)
	}
	stat := phystat.Wrap(conf.Device.Name(), dev)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintf(os.Stderr, "RX on %s (max frame %d)\n",
		conf.Device.Name(), raw.Capabilities().MaxFrameSize)

	var v *verifier
	if conf.Verify {
		v = &verifier{parser: udpframe.NewParser(), port: conf.DstPort}
	}

	go printRates(ctx, stat)

	start := time.Now()
	for ctx.Err() == nil {
		if conf.Count != 0 && stat.Load(phystat.RxFrames) >= conf.Count {
			break
		}
		rx, _, ok, err := stat.Receive()
		fatalIf(err, "receiving")
		if !ok {
			fatalIf(stat.Wait(100*time.Millisecond), "RX wait")
			continue
		}
		fatalIf(rx.Consume(func(frame []byte) error {
			if v != nil {
				v.check(frame)
			}
			return nil
		}), "consuming frame")
	}
	elapsed := time.Since(start)

	rxFrames := stat.Load(phystat.RxFrames)
	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:     %.3f s\n", elapsed.Seconds())
	p.Printf(" RX:          %d frames\n", rxFrames)
	p.Printf(" RX Avg PPS:  %d\n", uint64(float64(rxFrames)/elapsed.Seconds()))
	p.Printf(" RX Avg rate: %.1f Mbps\n",
		float64(stat.Load(phystat.RxBytes)*8)/1e6/elapsed.Seconds())
	if v != nil {
		p.Printf(" Test frames: %d (missing %d, out of order %d)\n", v.matched, v.gaps, v.reorder)
	}

	fmt.Fprintf(os.Stderr, "\nDEVICE COUNTERS:\n")
	fatalIf(phystat.Print(os.Stderr, phystat.Snapshot(stat),
		map[string]string{conf.Device.Name(): "receiver"}), "printing device stats")

	if v != nil && (v.gaps > 0 || v.reorder > 0) {
		os.Exit(1)
	}
}

func printRates(ctx context.Context, stat *phystat.Device) {
	t := time.NewTicker(time.Second)
	defer t.Stop()

	var (
		lastFrames, lastBytes uint64
		maxPPS, maxMbps       float64
	)
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			elapsed := now.Sub(lastTime).Seconds()
			frames := stat.Load(phystat.RxFrames)
			bytes := stat.Load(phystat.RxBytes)

			pps := float64(frames-lastFrames) / elapsed
			mbps := float64((bytes-lastBytes)*8) / elapsed / 1e6
			maxPPS = max(maxPPS, pps)
			maxMbps = max(maxMbps, mbps)

			fmt.Printf("total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
				frames, pps, mbps, maxPPS, maxMbps)

			lastFrames, lastBytes, lastTime = frames, bytes, now
		}
	}
}
