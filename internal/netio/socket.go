// Package netio 는 CoAP 엔진이 사용하는 non-blocking 소켓과 송수신 primitive 를 제공합니다.
//
// 모든 소켓은 golang.org/x/sys/unix 로 직접 생성되는 non-blocking fd 이며,
// Go 런타임 netpoller 를 거치지 않습니다. 준비 상태 대기는 Poller 가 담당합니다.
package netio

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Flags 는 소켓의 관심(want_*) 및 준비(can_*) 상태 집합입니다.
type Flags uint16

const (
	WantRead Flags = 1 << iota
	WantWrite
	WantAccept
	WantConnect
	CanRead
	CanWrite
	CanAccept
	CanConnect
	Connected
	Multicast
	Bound
)

const (
	wantMask = WantRead | WantWrite | WantAccept | WantConnect
	canMask  = CanRead | CanWrite | CanAccept | CanConnect
)

func (f Flags) Has(x Flags) bool { return f&x == x }

// Kind 는 소켓 종류입니다.
type Kind uint8

const (
	Datagram Kind = iota + 1
	Stream
)

func (k Kind) String() string {
	switch k {
	case Datagram:
		return "datagram"
	case Stream:
		return "stream"
	default:
		return "none"
	}
}

var (
	// ErrUnreachable 는 ECONNREFUSED/ECONNRESET 처럼 피어에 도달할 수 없는 경우입니다.
	// 세션 단위 오류이며 엔진 전체를 중단시키지 않습니다.
	ErrUnreachable = errors.New("netio: peer unreachable")

	// ErrWatchOverflow 는 감시 소켓 집합이 호출자가 준 용량을 넘었을 때 반환됩니다.
	ErrWatchOverflow = errors.New("netio: watch set capacity exceeded")

	errNotOpen = errors.New("netio: socket is not open")
)

// Socket 은 OS 핸들과 준비 상태 플래그를 묶은 상태 보관소입니다.
// 플래그는 netio 와 스케줄러만 변경합니다.
type Socket struct {
	Flags Flags

	fd      int
	open    bool
	kind    Kind
	family  int
	pktinfo bool
	remote  netip.AddrPort // multicast 송신 대상(connect 하지 않는 경우)
}

// Fd 는 열린 소켓의 fd 를 반환합니다. 닫힌 소켓은 -1 입니다.
func (s *Socket) Fd() int {
	if s == nil || !s.open {
		return -1
	}
	return s.fd
}

func (s *Socket) IsOpen() bool { return s != nil && s.open }

func (s *Socket) Kind() Kind { return s.kind }

// Want 는 상위 계층이 관심 있는 I/O 를 선언할 때 사용합니다.
func (s *Socket) Want(f Flags) { s.Flags |= f & wantMask }

// Unwant 는 관심 플래그를 해제합니다.
func (s *Socket) Unwant(f Flags) { s.Flags &^= f & wantMask }

// Close 는 fd 를 닫고 소켓을 빈 상태로 되돌립니다. 두 번 호출해도 안전합니다.
func (s *Socket) Close() error {
	if s == nil || !s.open {
		return nil
	}
	err := unix.Close(s.fd)
	*s = Socket{fd: -1}
	if err != nil {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

// LocalAddr 는 getsockname 결과를 반환합니다.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	if !s.IsOpen() {
		return netip.AddrPort{}, errNotOpen
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("getsockname: %w", err)
	}
	return addrPortFromSockaddr(sa), nil
}

func familyFor(a netip.Addr) int {
	if a.IsValid() && a.Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func newSocket(family, typ int) (int, error) {
	fd, err := unix.Socket(family, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if family == unix.AF_INET6 {
		// dual-stack: IPv4 피어는 IPv4-mapped 주소로 보입니다.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	}
	return fd, nil
}

func enablePktinfo(fd, family int) bool {
	ok := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_PKTINFO, 1) == nil
	if family == unix.AF_INET6 {
		ok = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_RECVPKTINFO, 1) == nil || ok
	}
	return ok
}

// ListenUDP 는 수신용 UDP 소켓을 bind 합니다. 주소가 비어 있으면 dual-stack "[::]" 를 사용합니다.
// pktinfo 를 켜서 Read 가 수신 인터페이스/로컬 주소를 알 수 있게 합니다.
func ListenUDP(local netip.AddrPort) (*Socket, error) {
	local = normalizeListen(local)
	family := familyFor(local.Addr())

	fd, err := newSocket(family, unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if err := unix.Bind(fd, sockaddrFor(local, family)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", local, err)
	}

	return &Socket{
		Flags:   Bound | WantRead,
		fd:      fd,
		open:    true,
		kind:    Datagram,
		family:  family,
		pktinfo: enablePktinfo(fd, family),
	}, nil
}

// DialUDP 는 remote 로 connect 된 UDP 소켓을 만듭니다.
// remote 가 multicast 주소면 connect 를 생략하고 Multicast 플래그를 세웁니다.
func DialUDP(local, remote netip.AddrPort) (*Socket, error) {
	family := familyFor(remote.Addr())
	fd, err := newSocket(family, unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}

	s := &Socket{fd: fd, open: true, kind: Datagram, family: family}

	if local.IsValid() {
		if err := unix.Bind(fd, sockaddrFor(local, family)); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("bind %s: %w", local, err)
		}
		s.Flags |= Bound
	}

	if remote.Addr().IsMulticast() {
		s.remote = remote
		s.Flags |= Multicast | WantRead
		s.pktinfo = enablePktinfo(fd, family)
		return s, nil
	}

	if err := unix.Connect(fd, sockaddrFor(remote, family)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect %s: %w", remote, err)
	}
	s.Flags |= Connected | WantRead
	return s, nil
}

// ListenTCP 는 accept 대기용 TCP 소켓을 만듭니다.
func ListenTCP(local netip.AddrPort, backlog int) (*Socket, error) {
	local = normalizeListen(local)
	family := familyFor(local.Addr())

	fd, err := newSocket(family, unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	if err := unix.Bind(fd, sockaddrFor(local, family)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", local, err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", local, err)
	}

	return &Socket{
		Flags:  Bound | WantAccept,
		fd:     fd,
		open:   true,
		kind:   Stream,
		family: family,
	}, nil
}

// DialTCP 는 non-blocking connect 를 시작합니다.
// inProgress 가 true 면 WantConnect 가 설정되어 있고, 쓰기 가능해진 뒤 FinishConnect 를 호출해야 합니다.
func DialTCP(remote netip.AddrPort) (s *Socket, inProgress bool, err error) {
	family := familyFor(remote.Addr())
	fd, err := newSocket(family, unix.SOCK_STREAM)
	if err != nil {
		return nil, false, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	s = &Socket{fd: fd, open: true, kind: Stream, family: family}

	err = unix.Connect(fd, sockaddrFor(remote, family))
	switch {
	case err == nil:
		s.Flags |= Connected | WantRead
		return s, false, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
		s.Flags |= WantConnect
		return s, true, nil
	default:
		_ = s.Close()
		return nil, false, fmt.Errorf("connect %s: %w", remote, err)
	}
}

// FinishConnect 는 SO_ERROR 로 non-blocking connect 결과를 확인합니다.
func (s *Socket) FinishConnect() error {
	if !s.IsOpen() {
		return errNotOpen
	}
	s.Flags &^= CanConnect | WantConnect
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if soerr != 0 {
		return fmt.Errorf("connect: %w", classify(unix.Errno(soerr)))
	}
	s.Flags |= Connected | WantRead
	return nil
}

// Accept 는 CanAccept 일 때 새 연결을 받아 Connected 소켓을 반환합니다.
// 대기 중인 연결이 없으면 nil, nil 을 반환합니다.
func (s *Socket) Accept() (*Socket, netip.AddrPort, error) {
	if !s.IsOpen() {
		return nil, netip.AddrPort{}, errNotOpen
	}
	if !s.Flags.Has(CanAccept) {
		return nil, netip.AddrPort{}, nil
	}
	s.Flags &^= CanAccept

	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			return nil, netip.AddrPort{}, nil
		}
		return nil, netip.AddrPort{}, fmt.Errorf("accept: %w", err)
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	return &Socket{
		Flags:  Connected | WantRead,
		fd:     nfd,
		open:   true,
		kind:   Stream,
		family: s.family,
	}, addrPortFromSockaddr(sa), nil
}

// JoinGroup 은 수신 소켓을 multicast 그룹에 가입시키고 Multicast 플래그를 세웁니다.
func (s *Socket) JoinGroup(group netip.Addr, ifindex int) error {
	if !s.IsOpen() {
		return errNotOpen
	}
	if !group.IsMulticast() {
		return fmt.Errorf("join %s: not a multicast address", group)
	}

	var err error
	if group.Is4() {
		mreq := &unix.IPMreqn{Multiaddr: group.As4(), Ifindex: int32(ifindex)}
		err = unix.SetsockoptIPMreqn(s.fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	} else {
		mreq := &unix.IPv6Mreq{Multiaddr: group.As16(), Interface: uint32(ifindex)}
		err = unix.SetsockoptIPv6Mreq(s.fd, unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
	}
	if err != nil {
		return fmt.Errorf("join group %s: %w", group, err)
	}
	s.Flags |= Multicast
	return nil
}

func normalizeListen(local netip.AddrPort) netip.AddrPort {
	if local.Addr().IsValid() {
		return local
	}
	return netip.AddrPortFrom(netip.IPv6Unspecified(), local.Port())
}

func sockaddrFor(ap netip.AddrPort, family int) unix.Sockaddr {
	if family == unix.AF_INET {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: ap.Addr().Unmap().As4()}
	}
	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: ap.Addr().As16()}
	if z := ap.Addr().Zone(); z != "" {
		if idx, err := zoneIndex(z); err == nil {
			sa.ZoneId = uint32(idx)
		}
	}
	return sa
}

func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(a.Addr)
		if a.ZoneId != 0 {
			addr = addr.WithZone(zoneName(int(a.ZoneId)))
		}
		return netip.AddrPortFrom(addr, uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}
