package stack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bacnet-override/internal/bacnet"
)

// Config holds BACnet/IP transport settings.
type Config struct {
	Local   string        // local bind address, e.g. "0.0.0.0:47808"
	Timeout time.Duration // per attempt
	Retries int           // re-sends after a timeout, same invoke ID
}

const (
	defaultLocal   = "0.0.0.0:0"
	defaultTimeout = 3 * time.Second
	maxFrameSize   = 1500
)

type pendingRequest struct {
	dst *net.UDPAddr
	ch  chan *apdu
}

// BIPStack implements Stack over a single UDP socket.
type BIPStack struct {
	conn   *net.UDPConn
	cfg    Config
	logger *slog.Logger

	invokeID atomic.Uint32

	pendingMu sync.Mutex
	pending   map[uint8]*pendingRequest

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBIPStack binds the local UDP socket and starts the receive loop.
func NewBIPStack(cfg Config, logger *slog.Logger) (*BIPStack, error) {
	if cfg.Local == "" {
		cfg.Local = defaultLocal
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	laddr, err := net.ResolveUDPAddr("udp4", cfg.Local)
	if err != nil {
		return nil, fmt.Errorf("bip: resolve local %s: %w", cfg.Local, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("bip: listen %s: %w", cfg.Local, err)
	}

	s := &BIPStack{
		conn:    conn,
		cfg:     cfg,
		logger:  logger.With("component", "bip"),
		pending: make(map[uint8]*pendingRequest),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	s.logger.Info("bacnet/ip stack open", "local", conn.LocalAddr().String(), "timeout", cfg.Timeout, "retries", cfg.Retries)
	return s, nil
}

// LocalAddr returns the bound socket address.
func (s *BIPStack) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// ResolveDevice turns "host" or "host:port" into a UDP address, using the
// standard BACnet/IP port when none is given.
func ResolveDevice(device string) (*net.UDPAddr, error) {
	hostport := device
	if _, _, err := net.SplitHostPort(device); err != nil {
		hostport = net.JoinHostPort(device, strconv.Itoa(bacnet.DefaultPort))
	}
	addr, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return nil, fmt.Errorf("bip: resolve device %q: %w", device, err)
	}
	return addr, nil
}

func (s *BIPStack) ReadProperty(ctx context.Context, addr bacnet.PropertyAddress) ([]byte, error) {
	resp, err := s.request(ctx, addr.Device, ServiceReadProperty, encodeReadProperty(addr))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", addr, err)
	}
	contents, err := decodeReadPropertyAck(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", addr, err)
	}
	return contents, nil
}

func (s *BIPStack) WriteProperty(ctx context.Context, addr bacnet.PropertyAddress, payload Payload, priority int) error {
	if priority != 0 && !bacnet.ValidSlot(priority) {
		return fmt.Errorf("write %s: priority %d out of range 1-16", addr, priority)
	}
	if _, err := s.request(ctx, addr.Device, ServiceWriteProperty, encodeWriteProperty(addr, payload, priority)); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	return nil
}

// Close stops the receive loop and fails any outstanding requests.
func (s *BIPStack) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()

		s.pendingMu.Lock()
		for id, p := range s.pending {
			close(p.ch)
			delete(s.pending, id)
		}
		s.pendingMu.Unlock()
	})
	return err
}

// register allocates a free invoke ID for dst.
func (s *BIPStack) register(dst *net.UDPAddr) (uint8, *pendingRequest, error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for i := 0; i < 256; i++ {
		id := uint8(s.invokeID.Add(1))
		if _, busy := s.pending[id]; busy {
			continue
		}
		p := &pendingRequest{dst: dst, ch: make(chan *apdu, 1)}
		s.pending[id] = p
		return id, p, nil
	}
	return 0, nil, fmt.Errorf("bip: no free invoke id")
}

func (s *BIPStack) release(id uint8) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

// request sends a confirmed request and waits for the matching reply,
// re-sending on timeout up to cfg.Retries times.
func (s *BIPStack) request(ctx context.Context, device string, service uint8, params []byte) (*apdu, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	dst, err := ResolveDevice(device)
	if err != nil {
		return nil, err
	}
	invokeID, p, err := s.register(dst)
	if err != nil {
		return nil, err
	}
	defer s.release(invokeID)

	frame := encodeFrame(npduExpectingReply, encodeConfirmedRequest(invokeID, service, params))
	for attempt := 0; attempt <= s.cfg.Retries; attempt++ {
		if _, err := s.conn.WriteToUDP(frame, dst); err != nil {
			return nil, fmt.Errorf("bip send: %w", err)
		}
		s.logger.Debug("bacnet TX", "service", serviceName(service), "dst", dst.String(), "invoke", invokeID, "attempt", attempt+1, "apdu", fmt.Sprintf("%X", params))

		timer := time.NewTimer(s.cfg.Timeout)
		select {
		case resp, ok := <-p.ch:
			timer.Stop()
			if !ok {
				return nil, ErrClosed
			}
			return s.checkResponse(resp, dst, service)
		case <-timer.C:
			s.logger.Warn("bacnet timeout", "service", serviceName(service), "dst", dst.String(), "invoke", invokeID, "attempt", attempt+1)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-s.done:
			timer.Stop()
			return nil, ErrClosed
		}
	}
	return nil, fmt.Errorf("%s to %s: %w", serviceName(service), dst, ErrNoResponse)
}

func (s *BIPStack) checkResponse(resp *apdu, dst *net.UDPAddr, service uint8) (*apdu, error) {
	switch resp.Type {
	case PDUSimpleAck, PDUComplexAck:
		if resp.Segmented {
			s.sendAbort(dst, resp.InvokeID, abortSegmentationNotSupported)
			return nil, ErrSegmentation
		}
		if resp.Service != service {
			return nil, fmt.Errorf("ack for %s, want %s", serviceName(resp.Service), serviceName(service))
		}
		s.logger.Debug("bacnet RX", "pdu", fmt.Sprintf("0x%02X", resp.Type), "invoke", resp.InvokeID, "data", fmt.Sprintf("%X", resp.Data))
		return resp, nil

	case PDUError:
		rej := &RejectError{PDU: PDUError, Service: resp.Service}
		class, code, err := decodeErrorPDU(resp.Data)
		if err != nil {
			s.logger.Warn("bacnet error pdu undecodable", "err", err, "data", fmt.Sprintf("%X", resp.Data))
		} else {
			rej.Class, rej.Code = class, code
		}
		s.logger.Debug("bacnet RX error", "invoke", resp.InvokeID, "err", rej)
		return nil, rej

	case PDUReject, PDUAbort:
		rej := &RejectError{PDU: resp.Type, Service: service, Reason: resp.Service}
		s.logger.Debug("bacnet RX refused", "invoke", resp.InvokeID, "err", rej)
		return nil, rej
	}
	return nil, fmt.Errorf("unexpected pdu type 0x%02X", resp.Type)
}

func (s *BIPStack) sendAbort(dst *net.UDPAddr, invokeID, reason uint8) {
	frame := encodeFrame(0, []byte{PDUAbort, invokeID, reason})
	if _, err := s.conn.WriteToUDP(frame, dst); err != nil {
		s.logger.Warn("bacnet send abort", "err", err)
	}
}

func (s *BIPStack) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, maxFrameSize)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("bip read error", "err", err)
			select {
			case <-time.After(100 * time.Millisecond):
			case <-s.done:
				return
			}
			continue
		}

		resp, err := decodeFrame(buf[:n])
		if err != nil {
			if !errors.Is(err, errNotAPDU) {
				s.logger.Debug("bip frame dropped", "src", src.String(), "err", err)
			}
			continue
		}
		if resp.Type == PDUConfirmedRequest || resp.Type == PDUUnconfirmedRequest {
			continue
		}

		s.pendingMu.Lock()
		p, ok := s.pending[resp.InvokeID]
		s.pendingMu.Unlock()
		if !ok || !p.dst.IP.Equal(src.IP) || p.dst.Port != src.Port {
			s.logger.Warn("bacnet orphaned response", "src", src.String(), "invoke", resp.InvokeID, "pdu", fmt.Sprintf("0x%02X", resp.Type))
			continue
		}
		select {
		case p.ch <- resp:
		default:
		}
	}
}
