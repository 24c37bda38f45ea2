//go:build linux

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/nmphy/internal/devconf"
	"github.com/romshark/nmphy/internal/udpframe"
	"github.com/romshark/nmphy/netmap"
	"github.com/romshark/nmphy/phy"
	"github.com/romshark/nmphy/phycap"
	"github.com/romshark/nmphy/phystat"
	"github.com/romshark/nmphy/ratelimit"
)

type Config struct {
	Device devconf.Config `yaml:"device"`

	SrcMAC  string `yaml:"src-mac"` // Defaults to the hardware address of the device.
	DestMAC string `yaml:"dest-mac"`
	SrcIP   string `yaml:"src-ip"`
	DstIP   string `yaml:"dst-ip"`
	SrcPort uint16 `yaml:"src-port"`
	DstPort uint16 `yaml:"dst-port"`

	Size    int    `yaml:"size"`
	Count   uint64 `yaml:"count"`
	RatePPS uint64 `yaml:"rate-pps"` // 0 = unlimited, max speed.
	Pcap    string `yaml:"pcap"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "nmsend.yaml", "path to config YAML file")
	fIface := flag.String("i", "", "device interface override")
	fSync := flag.String("sync", "", "netmap sync mode override (poll|wait)")
	fRate := flag.Int64("r", -1, "rate limit in PPS (<0 falls back to config)")
	fCount := flag.Uint64("n", 0, "frame count override")
	fSize := flag.Int("l", 0, "frame size override")
	fPcap := flag.String("pcap", "", "write sent frames to this pcap file")
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
	if *fRate >= 0 {
		conf.RatePPS = uint64(*fRate)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fSize != 0 {
		conf.Size = *fSize
	}
	if *fPcap != "" {
		conf.Pcap = *fPcap
	}

	if err := conf.Device.Validate(); err != nil {
		return nil, err
	}
	if _, err := net.ParseMAC(conf.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid dest-mac %q: %w", conf.DestMAC, err)
	}
	if conf.SrcMAC != "" {
		if _, err := net.ParseMAC(conf.SrcMAC); err != nil {
			return nil, fmt.Errorf("invalid src-mac %q: %w", conf.SrcMAC, err)
		}
	}
	if _, err := netip.ParseAddr(conf.SrcIP); err != nil {
		return nil, fmt.Errorf("invalid src-ip %q: %w", conf.SrcIP, err)
	}
	if _, err := netip.ParseAddr(conf.DstIP); err != nil {
		return nil, fmt.Errorf("invalid dst-ip %q: %w", conf.DstIP, err)
	}
	if conf.Count == 0 {
		return nil, errors.New("count must be > 0")
	}
	if conf.Size == 0 {
		conf.Size = 1360
	}
	if conf.DstPort == 0 {
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

// hardwareAddr looks up the MAC of the kernel interface behind conf.
func hardwareAddr(conf *devconf.Config) (net.HardwareAddr, error) {
	name := conf.Interface
	if conf.Parent != "" {
		name = conf.Parent
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, err
	}
	return iface.HardwareAddr, nil
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")

	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)

	var srcMAC net.HardwareAddr
	if conf.SrcMAC != "" {
		srcMAC, err = net.ParseMAC(conf.SrcMAC)
	} else {
		srcMAC, err = hardwareAddr(&conf.Device)
	}
	fatalIf(err, "resolving source MAC")
	dstMAC, _ := net.ParseMAC(conf.DestMAC)

	tmpl, err := udpframe.Template(udpframe.Params{
		SrcMAC:  srcMAC,
		DstMAC:  dstMAC,
		SrcIP:   netip.MustParseAddr(conf.SrcIP),
		DstIP:   netip.MustParseAddr(conf.DstIP),
		SrcPort: conf.SrcPort,
		DstPort: conf.DstPort,
		Size:    conf.Size,
	})
	fatalIf(err, "building frame template")

	raw, err := conf.Device.Open()
	fatalIf(err, "opening device")
	defer raw.Close()

	if limit := raw.Capabilities().MaxFrameSize; len(tmpl) > limit {
		fatalIf(fmt.Errorf("frame size %d exceeds device maximum %d", len(tmpl), limit), "sizing frames")
	}

	var dev phy.Device = raw
	if conf.Pcap != "" {
		f, err := os.Create(conf.Pcap)
		fatalIf(err, "creating pcap file")
		trace := phycap.NewTrace(f, len(tmpl))
		defer func() {
			fatalIf(trace.Close(), "closing pcap trace")
			if d := trace.Dropped(); d > 0 {
				fmt.Fprintf(os.Stderr, "pcap: %s frames not captured\n", humanize.Comma(int64(d)))
			}
		}()
		dev = phycap.Wrap(dev, trace)
	}
	stat := phystat.Wrap(conf.Device.Name(), dev)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintf(os.Stderr, "TX on %s: dst_mac=%s dst=%s:%d count=%d size=%d rate=%d\n",
		conf.Device.Name(), dstMAC, conf.DstIP, conf.DstPort, conf.Count, len(tmpl), conf.RatePPS)

	start := time.Now()
	sent := send(ctx, stat, tmpl, conf.Count, ratelimit.New(conf.RatePPS))

	if nm, ok := raw.(*netmap.Netmap); ok {
		fatalIf(nm.Flush(), "final flush")
	}
	elapsed := time.Since(start)

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:     %.3f s\n", elapsed.Seconds())
	p.Printf(" TX:          %d frames\n", sent)
	p.Printf(" TX Avg PPS:  %d\n", uint64(float64(sent)/elapsed.Seconds()))
	p.Printf(" TX Avg rate: %.1f Mbps\n",
		float64(stat.Load(phystat.TxBytes)*8)/1e6/elapsed.Seconds())

	fmt.Fprintf(os.Stderr, "\nDEVICE COUNTERS:\n")
	fatalIf(phystat.Print(os.Stderr, phystat.Snapshot(stat),
		map[string]string{conf.Device.Name(): "sender"}), "printing device stats")
}

// send transmits count copies of tmpl with increasing sequence numbers.
// A full TX ring is retried after waiting, so no sequence number is skipped.
func send(
	ctx context.Context, dev phy.Device, tmpl []byte, count uint64, limiter *ratelimit.Throttle,
) (sent uint64) {
	batch := uint64(max(limiter.Burst(), 64))
	var seq uint32
	for sent < count && ctx.Err() == nil {
		n := min(batch, count-sent)
		if err := limiter.ThrottleN(ctx, n); err != nil {
			return sent
		}
		for i := uint64(0); i < n; {
			tx, ok := dev.Transmit()
			if !ok {
				fatalIf(phy.Wait(dev, time.Millisecond), "TX wait")
				continue
			}
			err := tx.Consume(len(tmpl), func(buf []byte) error {
				copy(buf, tmpl)
				udpframe.SetSeq(buf, seq)
				return nil
			})
			if errors.Is(err, phy.ErrExhausted) {
				fatalIf(phy.Wait(dev, time.Millisecond), "TX wait")
				continue
			}
			fatalIf(err, "transmitting frame %d", seq)
			seq++
			sent++
			i++
		}
	}
	return sent
}
