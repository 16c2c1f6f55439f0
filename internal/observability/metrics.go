package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 전역 레지스트리에 등록할 hop-coap 메트릭들을 정의합니다.
// Prometheus 기본 네임스페이스를 사용하며, 메트릭 이름에 hopcoap_ 접두어를 붙입니다.

var (
	// DTLS 핸드셰이크 총 횟수 (성공/실패 라벨 포함).
	DTLSHandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopcoap_dtls_handshakes_total",
			Help: "Total number of DTLS handshakes, labeled by side and result.",
		},
		[]string{"side", "result"}, // client/server, success/failure
	)

	// HelloVerifyRequest 로 응답한 ClientHello 수 (쿠키 없음/불일치).
	DTLSCookieChallengesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hopcoap_dtls_cookie_challenges_total",
			Help: "Total number of ClientHello messages answered with a HelloVerifyRequest.",
		},
	)

	// confirmable 메시지 재전송 횟수.
	RetransmissionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hopcoap_retransmissions_total",
			Help: "Total number of confirmable message retransmissions.",
		},
	)

	// 최종 실패한 메시지 수 (NACK 사유 라벨).
	MessagesFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopcoap_messages_failed_total",
			Help: "Total number of messages that failed, labeled by NACK reason.",
		},
		[]string{"reason"},
	)

	// 버려진 패킷 수 (loss 정책, 복호화 실패 등).
	PacketsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hopcoap_packets_dropped_total",
			Help: "Total number of dropped packets, labeled by cause.",
		},
		[]string{"cause"}, // e.g. loss_policy, decrypt_error, unknown_session
	)

	// 프로토콜별 활성 세션 수.
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hopcoap_sessions_active",
			Help: "Number of live sessions, labeled by protocol.",
		},
		[]string{"proto"},
	)

	// 한 tick(RunOnce) 처리 시간 분포.
	TickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hopcoap_tick_duration_seconds",
			Help:    "Histogram of scheduler tick durations in seconds, including the readiness wait.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// MustRegister 는 위에서 정의한 메트릭들을 전역 Prometheus 레지스트리에 등록합니다.
// 서버 시작 시 한 번만 호출해야 합니다.
func MustRegister() {
	prometheus.MustRegister(
		DTLSHandshakesTotal,
		DTLSCookieChallengesTotal,
		RetransmissionsTotal,
		MessagesFailedTotal,
		PacketsDroppedTotal,
		SessionsActive,
		TickDurationSeconds,
	)
}
