package netio

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// WatchSet 은 한 tick 동안 감시할 소켓 목록입니다. 용량은 생성 시 고정되며
// Add 가 용량을 넘기면 ErrWatchOverflow 를 반환합니다.
type WatchSet struct {
	socks []*Socket
}

func NewWatchSet(capacity int) *WatchSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &WatchSet{socks: make([]*Socket, 0, capacity)}
}

func (w *WatchSet) Reset() { w.socks = w.socks[:0] }

func (w *WatchSet) Len() int { return len(w.socks) }

func (w *WatchSet) Cap() int { return cap(w.socks) }

func (w *WatchSet) Sockets() []*Socket { return w.socks }

// Add 는 관심 플래그가 있는 소켓을 추가합니다. 관심이 없으면 무시합니다.
func (w *WatchSet) Add(s *Socket) error {
	if !s.IsOpen() || s.Flags&wantMask == 0 {
		return nil
	}
	if len(w.socks) == cap(w.socks) {
		return fmt.Errorf("%w: capacity %d", ErrWatchOverflow, cap(w.socks))
	}
	w.socks = append(w.socks, s)
	return nil
}

// Poller 는 unix.Poll 로 준비 상태를 기다립니다. pollfd 배열은 재사용됩니다.
type Poller struct {
	fds []unix.PollFd
}

// Wait 는 timeoutMs 동안(-1 이면 무기한) 감시 소켓의 준비 상태를 기다리고
// 준비된 소켓의 can_* 플래그를 세웁니다. EINTR 은 (0, nil) 로 취급합니다.
func (p *Poller) Wait(w *WatchSet, timeoutMs int) (int, error) {
	p.fds = p.fds[:0]
	for _, s := range w.socks {
		var ev int16
		if s.Flags&(WantRead|WantAccept) != 0 {
			ev |= unix.POLLIN
		}
		if s.Flags&(WantWrite|WantConnect) != 0 {
			ev |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(s.fd), Events: ev})
	}

	n, err := unix.Poll(p.fds, timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	ready := 0
	for i, pfd := range p.fds {
		if pfd.Revents == 0 {
			continue
		}
		s := w.socks[i]
		errored := pfd.Revents&(unix.POLLERR|unix.POLLHUP) != 0
		if pfd.Revents&unix.POLLIN != 0 || errored {
			if s.Flags.Has(WantAccept) {
				s.Flags |= CanAccept
			}
			if s.Flags.Has(WantRead) {
				s.Flags |= CanRead
			}
		}
		if pfd.Revents&unix.POLLOUT != 0 || errored {
			if s.Flags.Has(WantConnect) {
				s.Flags |= CanConnect
			}
			if s.Flags.Has(WantWrite) {
				s.Flags |= CanWrite
			}
		}
		ready++
	}
	return ready, nil
}
