//go:build linux

// phystack runs a user-space TCP/IP stack on a device. It answers ARP and
// ICMP echo, and echoes TCP and UDP payloads on the configured ports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	"github.com/romshark/nmphy/gvlink"
	"github.com/romshark/nmphy/internal/devconf"
	"github.com/romshark/nmphy/phy"
	"github.com/romshark/nmphy/phycap"
	"github.com/romshark/nmphy/phystat"
)

type Config struct {
	Device devconf.Config `yaml:"device"`

	MAC     string   `yaml:"mac"` // Defaults to a locally administered address derived from the PID.
	Addrs   []string `yaml:"addrs"`
	TCPEcho uint16   `yaml:"tcp-echo-port"`
	UDPEcho uint16   `yaml:"udp-echo-port"`
	Pcap    string   `yaml:"pcap"`

	// StatsEvery prints device counters periodically; 0 disables.
	StatsEvery time.Duration `yaml:"stats-every"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "phystack.yaml", "path to config YAML file")
	fIface := flag.String("i", "", "device interface override")
	fPcap := flag.String("pcap", "", "write all frames to this pcap file")
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
	if *fPcap != "" {
		conf.Pcap = *fPcap
	}

	if err := conf.Device.Validate(); err != nil {
		return nil, err
	}
	if len(conf.Addrs) == 0 {
		return nil, errors.New("addrs must not be empty")
	}
	for _, a := range conf.Addrs {
		if _, err := netip.ParsePrefix(a); err != nil {
			return nil, fmt.Errorf("invalid addr %q: %w", a, err)
		}
	}
	if conf.MAC != "" {
		if _, err := net.ParseMAC(conf.MAC); err != nil {
			return nil, fmt.Errorf("invalid mac %q: %w", conf.MAC, err)
		}
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func linkAddress(conf *Config) tcpip.LinkAddress {
	if conf.MAC != "" {
		mac, _ := net.ParseMAC(conf.MAC)
		return tcpip.LinkAddress(mac)
	}
	pid := os.Getpid()
	return tcpip.LinkAddress([]byte{0x02, 0x6e, 0x6d, byte(pid >> 16), byte(pid >> 8), byte(pid)})
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

	ep := gvlink.New(stat, linkAddress(conf))
	prefixes := make([]netip.Prefix, len(conf.Addrs))
	for i, a := range conf.Addrs {
		prefixes[i] = netip.MustParsePrefix(a)
	}
	s, err := gvlink.NewStack(ep, prefixes...)
	fatalIf(err, "creating stack")
	defer s.Destroy()

	fmt.Fprintf(os.Stderr, "stack up on %s: mac=%s mtu=%d addrs=%v\n",
		conf.Device.Name(), net.HardwareAddr(ep.LinkAddress()), ep.MTU(), conf.Addrs)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for _, p := range prefixes {
		if conf.TCPEcho != 0 {
			ap := netip.AddrPortFrom(p.Addr(), conf.TCPEcho)
			ln, err := gonet.ListenTCP(s, gvlink.FullAddress(ap), gvlink.ProtocolNumber(p.Addr()))
			fatalIf(err, "listening TCP %s", ap)
			defer ln.Close()
			go serveTCPEcho(ln)
			fmt.Fprintf(os.Stderr, "TCP echo on %s\n", ap)
		}
		if conf.UDPEcho != 0 {
			ap := netip.AddrPortFrom(p.Addr(), conf.UDPEcho)
			laddr := gvlink.FullAddress(ap)
			pc, err := gonet.DialUDP(s, &laddr, nil, gvlink.ProtocolNumber(p.Addr()))
			fatalIf(err, "listening UDP %s", ap)
			defer pc.Close()
			go serveUDPEcho(pc)
			fmt.Fprintf(os.Stderr, "UDP echo on %s\n", ap)
		}
	}

	var tick <-chan time.Time
	if conf.StatsEvery > 0 {
		t := time.NewTicker(conf.StatsEvery)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "\nDEVICE COUNTERS:\n")
			fatalIf(phystat.Print(os.Stderr, phystat.Snapshot(stat), nil), "printing device stats")
			if err := ep.Err(); err != nil {
				fmt.Fprintf(os.Stderr, "link stopped: %v\n", err)
			}
			return
		case <-tick:
			fatalIf(phystat.Print(os.Stderr, phystat.Snapshot(stat), nil), "printing device stats")
			if err := ep.Err(); err != nil {
				fatalIf(err, "link stopped")
			}
		}
	}
}

func serveTCPEcho(ln *gonet.TCPListener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			log.Printf("tcp echo: accept: %v", err)
			return
		}
		go func() {
			defer c.Close()
			if _, err := io.Copy(c, c); err != nil {
				log.Printf("tcp echo: %s: %v", c.RemoteAddr(), err)
			}
		}()
	}
}

func serveUDPEcho(pc *gonet.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			log.Printf("udp echo: read: %v", err)
			return
		}
		if _, err := pc.WriteTo(buf[:n], from); err != nil {
			log.Printf("udp echo: write to %s: %v", from, err)
		}
	}
}
