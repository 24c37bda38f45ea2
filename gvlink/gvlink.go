// Package gvlink plugs a phy.Device into a gVisor network stack as an
// Ethernet link endpoint.
//
// Inbound frames are pulled by one dispatch goroutine started on Attach
// and stopped on Close or Attach(nil). Outbound packets are written
// synchronously through transmit tokens.
package gvlink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/romshark/nmphy/phy"
)

// DefaultIdleWait bounds how long the dispatch loop blocks in Wait
// when the device has nothing to deliver.
const DefaultIdleWait = 10 * time.Millisecond

// Endpoint implements stack.LinkEndpoint on top of a phy.Device.
type Endpoint struct {
	dev      phy.Device
	idleWait time.Duration

	attachMu sync.Mutex

	mu        sync.RWMutex
	disp      stack.NetworkDispatcher
	laddr     tcpip.LinkAddress
	mtu       uint32
	closed    bool
	closefunc func()
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	dropped atomic.Uint64
	lastErr atomic.Pointer[error]
}

var _ stack.LinkEndpoint = (*Endpoint)(nil)

// New wraps dev. The MTU starts at the device's frame size minus the
// Ethernet header.
func New(dev phy.Device, addr tcpip.LinkAddress) *Endpoint {
	mtu := dev.Capabilities().MaxFrameSize - header.EthernetMinimumSize
	runtimex.Assert(mtu > 0)
	return &Endpoint{
		dev:      dev,
		idleWait: DefaultIdleWait,
		laddr:    addr,
		mtu:      uint32(mtu),
	}
}

// Dropped returns the number of outbound packets the device refused.
func (e *Endpoint) Dropped() uint64 { return e.dropped.Load() }

// Err returns the fatal receive error that stopped the dispatch loop, if any.
func (e *Endpoint) Err() error {
	if p := e.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (e *Endpoint) ARPHardwareType() header.ARPHardwareType { return header.ARPHardwareEther }

func (e *Endpoint) AddHeader(pkt *stack.PacketBuffer) {
	src := pkt.EgressRoute.LocalLinkAddress
	if src == "" {
		src = e.LinkAddress()
	}
	eth := header.Ethernet(pkt.LinkHeader().Push(header.EthernetMinimumSize))
	eth.Encode(&header.EthernetFields{
		SrcAddr: src,
		DstAddr: pkt.EgressRoute.RemoteLinkAddress,
		Type:    pkt.NetworkProtocolNumber,
	})
}

func (e *Endpoint) ParseHeader(pkt *stack.PacketBuffer) bool {
	_, ok := pkt.LinkHeader().Consume(header.EthernetMinimumSize)
	return ok
}

// Attach sets the dispatcher and (re)starts the dispatch loop.
// Attach(nil) detaches and stops the loop. When Attach returns, the
// previous dispatcher receives no more packets, so it must not be called
// from within DeliverNetworkPacket.
func (e *Endpoint) Attach(disp stack.NetworkDispatcher) {
	e.attachMu.Lock()
	defer e.attachMu.Unlock()

	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.disp = nil
	e.mu.Unlock()
	e.wg.Wait()

	e.mu.Lock()
	if e.closed || disp == nil {
		e.mu.Unlock()
		return
	}
	e.disp = disp
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		e.dispatchLoop(ctx, disp)
	}()
}

func (e *Endpoint) Capabilities() stack.LinkEndpointCapabilities {
	return stack.CapabilityResolutionRequired
}

func (e *Endpoint) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.disp = nil
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	closefunc := e.closefunc
	e.mu.Unlock()

	e.wg.Wait()
	if closefunc != nil {
		closefunc()
	}
}

func (e *Endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.disp != nil && !e.closed
}

func (e *Endpoint) LinkAddress() tcpip.LinkAddress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.laddr
}

func (e *Endpoint) MTU() uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mtu
}

func (e *Endpoint) MaxHeaderLength() uint16 { return header.EthernetMinimumSize }

func (e *Endpoint) SetLinkAddress(addr tcpip.LinkAddress) {
	e.mu.Lock()
	e.laddr = addr
	e.mu.Unlock()
}

// SetMTU lowers the MTU. Values above the device frame size are clamped.
func (e *Endpoint) SetMTU(mtu uint32) {
	limit := uint32(e.dev.Capabilities().MaxFrameSize - header.EthernetMinimumSize)
	e.mu.Lock()
	e.mtu = min(mtu, limit)
	e.mu.Unlock()
}

func (e *Endpoint) SetOnCloseAction(action func()) {
	e.mu.Lock()
	e.closefunc = action
	e.mu.Unlock()
}

// Wait blocks until the dispatch loop has exited.
func (e *Endpoint) Wait() { e.wg.Wait() }

func (e *Endpoint) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	e.mu.RLock()
	closed := e.closed
	mtu := e.mtu
	e.mu.RUnlock()
	if closed {
		return 0, &tcpip.ErrClosedForSend{}
	}

	var sent int
	for _, pkt := range pkts.AsSlice() {
		if err := e.writePacket(pkt, int(mtu)+header.EthernetMinimumSize); err != nil {
			if sent == 0 {
				return 0, err
			}
			break
		}
		sent++
	}
	return sent, nil
}

func (e *Endpoint) writePacket(pkt *stack.PacketBuffer, maxFrame int) tcpip.Error {
	v := pkt.ToView()
	defer v.Release()
	n := v.Size()
	if n > maxFrame {
		return &tcpip.ErrMessageTooLong{}
	}

	tx, ok := e.dev.Transmit()
	if !ok {
		e.dropped.Add(1)
		return &tcpip.ErrWouldBlock{}
	}
	err := tx.Consume(n, func(buf []byte) error {
		_, err := v.Read(buf)
		return err
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, phy.ErrExhausted):
		e.dropped.Add(1)
		return &tcpip.ErrNoBufferSpace{}
	case errors.Is(err, phy.ErrClosed):
		return &tcpip.ErrClosedForSend{}
	default:
		return &tcpip.ErrInvalidEndpointState{}
	}
}

func (e *Endpoint) dispatchLoop(ctx context.Context, disp stack.NetworkDispatcher) {
	for ctx.Err() == nil {
		rx, _, ok, err := e.dev.Receive()
		if err != nil {
			e.lastErr.Store(&err)
			return
		}
		if !ok {
			if err := phy.Wait(e.dev, e.idleWait); err != nil {
				e.lastErr.Store(&err)
				return
			}
			continue
		}
		_ = rx.Consume(func(frame []byte) error {
			e.deliver(disp, frame)
			return nil
		})
	}
}

// deliver hands a copy of frame to disp. The frame belongs to the device
// and is only valid for the duration of the call.
func (e *Endpoint) deliver(disp stack.NetworkDispatcher, frame []byte) {
	if len(frame) < header.EthernetMinimumSize {
		return
	}
	data := make([]byte, len(frame))
	copy(data, frame)

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(data),
	})
	defer pkt.DecRef()

	hdr, ok := pkt.LinkHeader().Consume(header.EthernetMinimumSize)
	if !ok {
		return
	}
	eth := header.Ethernet(hdr)
	switch dst := eth.DestinationAddress(); {
	case dst == header.EthernetBroadcastAddress:
		pkt.PktType = tcpip.PacketBroadcast
	case header.IsMulticastEthernetAddress(dst):
		pkt.PktType = tcpip.PacketMulticast
	case dst == e.LinkAddress():
		pkt.PktType = tcpip.PacketHost
	default:
		pkt.PktType = tcpip.PacketOtherHost
	}
	disp.DeliverNetworkPacket(eth.Type(), pkt)
}
