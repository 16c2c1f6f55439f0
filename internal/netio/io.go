package netio

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/dalbodeule/hop-coap/internal/logging"
)

// Path 는 하나의 피어 연결에서 사용하는 로컬/원격 주소 쌍입니다.
type Path struct {
	Local   netip.AddrPort
	Remote  netip.AddrPort
	IfIndex int
}

// Packet 은 Read 가 채워 주는 수신 데이터그램입니다.
// Data 는 호출자가 넘긴 버퍼의 하위 슬라이스입니다.
type Packet struct {
	Path
	Data []byte
}

// IO 는 송수신 primitive 와 송신 측 packet-loss 정책을 묶습니다.
type IO struct {
	Loss *LossPolicy
	Log  logging.Logger

	// Dropped 는 loss 정책으로 버려진 송신마다 호출됩니다(선택).
	Dropped func(n int)
}

// NewIO 는 로거를 가진 IO 를 생성합니다.
func NewIO(logger logging.Logger) *IO {
	if logger == nil {
		logger = logging.Nop()
	}
	return &IO{
		Loss: NewLossPolicy(),
		Log:  logger.With(logging.Fields{"component": "netio"}),
	}
}

const oobSize = 128

// Send 는 data 를 path 로 송신합니다. 절대 블록하지 않습니다.
//
//   - (n, nil), n == len(data): 전송 완료(loss 정책으로 버려진 경우 포함)
//   - (0, nil): would-block, 다음 tick 에 재시도
//   - (n, nil), n < len(data): stream 소켓의 부분 쓰기
//   - ErrUnreachable: 피어 도달 불가(세션 단위 오류)
//   - 그 외 error: 하드 에러
func (n *IO) Send(s *Socket, path Path, data []byte) (int, error) {
	if !s.IsOpen() {
		return 0, errNotOpen
	}
	if n.Loss != nil && n.Loss.Drop() {
		n.Log.Debug("dropping outbound packet (loss policy)", logging.Fields{
			"remote": path.Remote.String(),
			"bytes":  len(data),
		})
		if n.Dropped != nil {
			n.Dropped(len(data))
		}
		return len(data), nil
	}

	var (
		written int
		err     error
	)
	switch {
	case s.Flags.Has(Connected):
		written, err = unix.Write(s.fd, data)
	case s.Flags.Has(Multicast) && s.remote.IsValid():
		err = unix.Sendto(s.fd, data, 0, sockaddrFor(s.remote, s.family))
		written = len(data)
	default:
		oob := pktinfoFor(s, path)
		written, err = unix.SendmsgN(s.fd, data, oob, sockaddrFor(path.Remote, s.family), 0)
		if err != nil && len(oob) > 0 && errors.Is(err, unix.EINVAL) {
			// 로컬 주소가 더 이상 유효하지 않으면 pktinfo 없이 다시 보냅니다.
			written, err = unix.SendmsgN(s.fd, data, nil, sockaddrFor(path.Remote, s.family), 0)
		}
	}

	if err != nil {
		err = classify(err)
		switch {
		case errors.Is(err, errWouldBlock):
			return 0, nil
		case errors.Is(err, ErrUnreachable):
			n.Log.Warn("send: peer unreachable", logging.Fields{
				"remote": path.Remote.String(),
				"error":  err.Error(),
			})
			return 0, err
		default:
			n.Log.Error("send failed", logging.Fields{
				"remote": path.Remote.String(),
				"error":  err.Error(),
			})
			return 0, fmt.Errorf("send to %s: %w", path.Remote, err)
		}
	}
	if written < 0 {
		written = 0
	}
	return written, nil
}

// Read 는 CanRead 일 때만 한 번 읽습니다. 읽기 전에 CanRead 를 먼저 지웁니다.
//
//   - (pkt, nil), len(pkt.Data) > 0: 데이터 수신
//   - (Packet{}, nil): 읽을 것이 없음(would-block 포함)
//   - ErrUnreachable: ICMP 에러 등 피어 도달 불가, 로그만 남기고 무시 가능
//   - io.EOF: stream 피어가 연결을 닫음
//   - 그 외 error: 하드 에러
func (n *IO) Read(s *Socket, buf []byte) (Packet, error) {
	if !s.IsOpen() || !s.Flags.Has(CanRead) {
		return Packet{}, nil
	}
	s.Flags &^= CanRead

	if s.Flags.Has(Connected) {
		got, err := unix.Read(s.fd, buf)
		if err != nil {
			return Packet{}, n.readError(err)
		}
		if got == 0 && s.kind == Stream {
			return Packet{}, io.EOF
		}
		if got <= 0 {
			return Packet{}, nil
		}
		return Packet{Data: buf[:got]}, nil
	}

	var oob [oobSize]byte
	got, oobn, _, from, err := unix.Recvmsg(s.fd, buf, oob[:], 0)
	if err != nil {
		return Packet{}, n.readError(err)
	}

	pkt := Packet{Data: buf[:got]}
	pkt.Remote = addrPortFromSockaddr(from)
	pkt.Local, pkt.IfIndex = n.localFromOOB(s, oob[:oobn])
	return pkt, nil
}

func (n *IO) readError(err error) error {
	err = classify(err)
	switch {
	case errors.Is(err, errWouldBlock):
		return nil
	case errors.Is(err, ErrUnreachable):
		n.Log.Warn("read: peer unreachable", logging.Fields{"error": err.Error()})
		return err
	default:
		n.Log.Error("read failed", logging.Fields{"error": err.Error()})
		return fmt.Errorf("read: %w", err)
	}
}

// localFromOOB 는 pktinfo 로부터 데이터그램을 받은 로컬 주소와 인터페이스를 찾습니다.
// pktinfo 가 없으면 getsockname 으로 대체합니다.
func (n *IO) localFromOOB(s *Socket, oob []byte) (netip.AddrPort, int) {
	bound, err := s.LocalAddr()
	if err != nil {
		n.Log.Debug("getsockname failed", logging.Fields{"error": err.Error()})
	}
	if len(oob) == 0 || !s.pktinfo {
		return bound, 0
	}

	var cm4 ipv4.ControlMessage
	if err := cm4.Parse(oob); err == nil && cm4.Dst != nil {
		if a, ok := netip.AddrFromSlice(cm4.Dst.To4()); ok {
			if s.family == unix.AF_INET6 {
				a = netip.AddrFrom16(a.As16())
			}
			return netip.AddrPortFrom(a, bound.Port()), cm4.IfIndex
		}
	}

	var cm6 ipv6.ControlMessage
	if err := cm6.Parse(oob); err == nil && cm6.Dst != nil {
		if a, ok := netip.AddrFromSlice(cm6.Dst.To16()); ok {
			if a.IsLinkLocalUnicast() && cm6.IfIndex > 0 {
				a = a.WithZone(zoneName(cm6.IfIndex))
			}
			return netip.AddrPortFrom(a, bound.Port()), cm6.IfIndex
		}
	}
	return bound, 0
}

// pktinfoFor 는 송신 원본 주소를 path.Local 로 고정하는 ancillary data 를 만듭니다.
// IPv6 소켓에서 IPv4-mapped 로컬 주소는 IPv4 pktinfo 로 보냅니다.
func pktinfoFor(s *Socket, path Path) []byte {
	local := path.Local.Addr()
	if !local.IsValid() || local.IsUnspecified() || local.IsMulticast() {
		return nil
	}

	if s.family == unix.AF_INET || local.Is4In6() || local.Is4() {
		v4 := local.Unmap().As4()
		cm := ipv4.ControlMessage{Src: net.IP(v4[:]), IfIndex: path.IfIndex}
		return cm.Marshal()
	}

	v6 := local.As16()
	cm := ipv6.ControlMessage{Src: net.IP(v6[:]), IfIndex: path.IfIndex}
	return cm.Marshal()
}

var errWouldBlock = errors.New("netio: would block")

// classify 는 errno 를 엔진 오류 분류로 매핑합니다.
func classify(err error) error {
	var errno unix.Errno
	if !errors.As(err, &errno) {
		return err
	}
	switch errno {
	case unix.EAGAIN, unix.EINTR:
		return errWouldBlock
	case unix.ECONNREFUSED, unix.ECONNRESET, unix.EHOSTUNREACH, unix.ENETUNREACH, unix.EPIPE:
		return fmt.Errorf("%w: %v", ErrUnreachable, errno)
	default:
		return err
	}
}

func zoneIndex(zone string) (int, error) {
	if idx, err := strconv.Atoi(zone); err == nil {
		return idx, nil
	}
	ifi, err := net.InterfaceByName(zone)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}

func zoneName(idx int) string {
	if ifi, err := net.InterfaceByIndex(idx); err == nil {
		return ifi.Name
	}
	return strconv.Itoa(idx)
}
