package logging

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// Level 은 로그의 심각도 레벨을 나타냅니다.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) rank() int {
	switch l {
	case DebugLevel:
		return 0
	case InfoLevel:
		return 1
	case WarnLevel:
		return 2
	case ErrorLevel:
		return 3
	default:
		return 1
	}
}

// ParseLevel 은 "debug", "info", "warn", "error" 문자열을 Level 로 변환합니다.
// 알 수 없는 값은 InfoLevel 로 취급하고 ok=false 를 반환합니다.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, true
	case "info", "":
		return InfoLevel, true
	case "warn", "warning":
		return WarnLevel, true
	case "error":
		return ErrorLevel, true
	default:
		return InfoLevel, false
	}
}

// LevelVar 는 런타임에 변경 가능한 최소 로그 레벨입니다. (ko)
// LevelVar is a minimum log level that can be changed at runtime; every child logger
// created through With shares it. (en)
type LevelVar struct {
	v atomic.Value
}

// NewLevelVar 는 초기 레벨이 설정된 LevelVar 를 생성합니다.
func NewLevelVar(l Level) *LevelVar {
	lv := &LevelVar{}
	lv.Set(l)
	return lv
}

func (lv *LevelVar) Set(l Level) { lv.v.Store(l) }

func (lv *LevelVar) Level() Level {
	if l, ok := lv.v.Load().(Level); ok {
		return l
	}
	return InfoLevel
}

// Fields 는 구조적 로그의 key/value 필드를 표현합니다.
// Loki/Promtail 에서 라벨/필드로 활용할 수 있습니다.
type Fields map[string]any

// Logger 는 Loki/Grafana 스택에 적합한 구조적 로그 인터페이스입니다.
//
// - 모든 구현체는 단일 라인 JSON 을 stdout/stderr 로 출력하는 것을 목표로 합니다.
// - CoAP 엔진에는 Diagnostics 로 주입되며, 전역 로그 레벨은 두지 않습니다.
type Logger interface {
	// Debug 는 디버그 레벨 로그를 기록합니다.
	Debug(msg string, fields Fields)

	// Info 는 정보 레벨 로그를 기록합니다.
	Info(msg string, fields Fields)

	// Warn 는 경고 레벨 로그를 기록합니다.
	Warn(msg string, fields Fields)

	// Error 는 에러 레벨 로그를 기록합니다.
	Error(msg string, fields Fields)

	// With 는 추가 필드를 항상 포함하는 child logger 를 생성합니다.
	With(fields Fields) Logger
}

// stdLogger 는 표준 log.Logger 를 감싼 JSON 구현체입니다.
type stdLogger struct {
	l      *log.Logger
	level  *LevelVar
	fields Fields
}

func (s *stdLogger) log(level Level, msg string, fields Fields) {
	if s.level != nil && level.rank() < s.level.Level().rank() {
		return
	}

	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"level": level,
		"msg":   msg,
	}

	// 공통 필드 병합
	for k, v := range s.fields {
		entry[k] = v
	}
	// 호출 시 전달된 필드 병합(우선순위 높음)
	for k, v := range fields {
		entry[k] = v
	}

	b, err := json.Marshal(entry)
	if err != nil {
		// JSON 마샬 실패 시 fallback 으로 기본 포맷 사용
		s.l.Printf("level=%s msg=%s marshal_error=%v", level, msg, err)
		return
	}
	s.l.Println(string(b))
}

func (s *stdLogger) Debug(msg string, fields Fields) { s.log(DebugLevel, msg, fields) }
func (s *stdLogger) Info(msg string, fields Fields)  { s.log(InfoLevel, msg, fields) }
func (s *stdLogger) Warn(msg string, fields Fields)  { s.log(WarnLevel, msg, fields) }
func (s *stdLogger) Error(msg string, fields Fields) { s.log(ErrorLevel, msg, fields) }

func (s *stdLogger) With(fields Fields) Logger {
	merged := Fields{}
	for k, v := range s.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &stdLogger{
		l:      s.l,
		level:  s.level,
		fields: merged,
	}
}

// NewJSONLogger 는 w 로 단일 라인 JSON 로그를 출력하는 Logger 를 생성합니다.
// lv 가 nil 이면 모든 레벨을 출력합니다.
func NewJSONLogger(w io.Writer, component string, lv *LevelVar) Logger {
	return &stdLogger{
		l:      log.New(w, "", 0), // 프리픽스/타임스탬프는 JSON 필드로만 사용
		level:  lv,
		fields: Fields{"component": component},
	}
}

// NewStdJSONLogger 는 stdout 으로 단일 라인 JSON 로그를 출력하는 기본 Logger 를 생성합니다.
// Promtail 이 stdout 을 Loki 로 수집하는 전형적인 구성에 적합합니다.
func NewStdJSONLogger(component string) Logger {
	return NewJSONLogger(os.Stdout, component, nil)
}

type nopLogger struct{}

func (nopLogger) Debug(string, Fields) {}
func (nopLogger) Info(string, Fields)  {}
func (nopLogger) Warn(string, Fields)  {}
func (nopLogger) Error(string, Fields) {}
func (n nopLogger) With(Fields) Logger { return n }

// Nop 은 아무것도 출력하지 않는 Logger 입니다.
func Nop() Logger { return nopLogger{} }
