package netio

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
)

// MaxLossIntervals 는 결정적 loss 모드에서 허용하는 구간 수입니다.
const MaxLossIntervals = 10

// LossProbabilityOne 은 확률 모드의 100% 값입니다(고정소수점).
const LossProbabilityOne = 65536

// LossInterval 은 버릴 송신 번호의 닫힌 구간 [Start, End] 입니다(1부터 시작).
type LossInterval struct {
	Start, End uint64
}

// LossPolicy 는 테스트용 송신 측 packet-loss 주입 정책입니다.
// 수신(Read)에는 영향을 주지 않습니다. 송신 경로와 같은 tick 고루틴에서만 다룹니다.
type LossPolicy struct {
	intervals   []LossInterval
	probability uint32
	counter     uint64
	rng         *rand.Rand
}

func NewLossPolicy() *LossPolicy {
	return &LossPolicy{rng: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

// Seed 는 확률 모드의 PRNG 를 고정합니다.
func (p *LossPolicy) Seed(seed uint64) {
	p.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// SetIntervals 는 결정적 모드로 전환하고 송신 카운터를 초기화합니다.
func (p *LossPolicy) SetIntervals(iv []LossInterval) error {
	if len(iv) > MaxLossIntervals {
		return fmt.Errorf("packet loss: at most %d intervals, got %d", MaxLossIntervals, len(iv))
	}
	for _, r := range iv {
		if r.Start == 0 || r.End < r.Start {
			return fmt.Errorf("packet loss: invalid interval %d-%d", r.Start, r.End)
		}
	}

	p.intervals = append(p.intervals[:0], iv...)
	p.probability = 0
	p.counter = 0
	return nil
}

// SetProbability 는 확률 모드로 전환하고 송신 카운터를 초기화합니다.
// prob 은 [0, 65536] 범위의 고정소수점 값입니다.
func (p *LossPolicy) SetProbability(prob uint32) error {
	if prob > LossProbabilityOne {
		return fmt.Errorf("packet loss: probability %d out of range [0,%d]", prob, LossProbabilityOne)
	}

	p.intervals = p.intervals[:0]
	p.probability = prob
	p.counter = 0
	return nil
}

// Configure 는 "2-3,7,9-12" 또는 "10%" 형식의 문자열로 정책을 설정합니다.
// 빈 문자열은 loss 를 끕니다.
func (p *LossPolicy) Configure(expr string) error {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return p.SetProbability(0)
	}

	if pct, ok := strings.CutSuffix(expr, "%"); ok {
		v, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
		if err != nil || v < 0 || v > 100 {
			return fmt.Errorf("packet loss: invalid percentage %q", expr)
		}
		return p.SetProbability(uint32(v * LossProbabilityOne / 100))
	}

	iv, err := ParseLossIntervals(expr)
	if err != nil {
		return err
	}
	return p.SetIntervals(iv)
}

// ParseLossIntervals 는 "a-b,c" 형식을 파싱합니다.
func ParseLossIntervals(expr string) ([]LossInterval, error) {
	var out []LossInterval
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("packet loss: invalid interval %q", part)
		}
		end := start
		if isRange {
			end, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("packet loss: invalid interval %q", part)
			}
		}
		out = append(out, LossInterval{Start: start, End: end})
		if len(out) > MaxLossIntervals {
			return nil, fmt.Errorf("packet loss: at most %d intervals", MaxLossIntervals)
		}
	}
	return out, nil
}

// Drop 은 다음 송신을 버려야 하는지 결정합니다. 결정적 모드에서는 호출마다 카운터가 1 증가합니다.
func (p *LossPolicy) Drop() bool {
	if len(p.intervals) > 0 {
		p.counter++
		for _, r := range p.intervals {
			if p.counter >= r.Start && p.counter <= r.End {
				return true
			}
		}
		return false
	}

	if p.probability == 0 {
		return false
	}
	p.counter++
	return p.rng.Uint32N(LossProbabilityOne) < p.probability
}

// Count 는 마지막 설정 이후 평가된 송신 수입니다.
func (p *LossPolicy) Count() uint64 {
	return p.counter
}
