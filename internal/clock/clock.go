// Package clock 는 엔진 내부의 모든 deadline 계산에 쓰이는 단조 tick 소스를 제공합니다.
package clock

import (
	"sync"
	"time"
)

// Tick 은 단조 증가하는 구현 정의 시간 단위입니다.
type Tick uint64

// DefaultRate 는 System 클록의 초당 tick 수입니다.
const DefaultRate = 1000

// Clock 은 현재 tick 과 초당 tick 수를 제공합니다.
type Clock interface {
	Now() Tick
	Rate() uint64
}

// System 은 프로세스 시작 이후 경과한 monotonic 시간을 ms tick 으로 돌려줍니다.
type System struct {
	start time.Time
}

func NewSystem() *System {
	return &System{start: time.Now()}
}

func (s *System) Now() Tick {
	return Tick(time.Since(s.start) / time.Millisecond)
}

func (s *System) Rate() uint64 { return DefaultRate }

// Manual 은 테스트에서 직접 진행시키는 클록입니다.
type Manual struct {
	mu   sync.Mutex
	now  Tick
	rate uint64
}

// NewManual 은 rate 가 0 이면 DefaultRate 를 사용합니다.
func NewManual(rate uint64) *Manual {
	if rate == 0 {
		rate = DefaultRate
	}
	return &Manual{rate: rate}
}

func (m *Manual) Now() Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Rate() uint64 { return m.rate }

// Advance 는 클록을 d 만큼 진행시키고 새 tick 을 반환합니다.
func (m *Manual) Advance(d time.Duration) Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += Ticks(m.rate, d)
	return m.now
}

// Set 은 클록을 절대 tick 으로 맞춥니다.
func (m *Manual) Set(t Tick) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Ticks 는 duration 을 rate 기준 tick 수로 변환합니다(내림).
func Ticks(rate uint64, d time.Duration) Tick {
	if d <= 0 {
		return 0
	}
	return Tick(uint64(d) * rate / uint64(time.Second))
}

// CeilMillis 는 tick 간격을 ms 로 변환하며 올림합니다:
// ceil(t * 1000 / rate).
func CeilMillis(rate uint64, t Tick) int {
	if t == 0 {
		return 0
	}
	return int((uint64(t)*1000 + rate - 1) / rate)
}

// Millis 는 tick 간격을 ms 로 변환합니다(내림).
func Millis(rate uint64, t Tick) int {
	return int(uint64(t) * 1000 / rate)
}
