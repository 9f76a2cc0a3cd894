package source

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

var ErrMalformed = errors.New("malformed sample")

// ParseError is returned for messages that do not decode to a sample.
type ParseError struct {
	Text string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse %q: %v", e.Text, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

func trimMessage(text string) string {
	return strings.TrimFunc(text, func(r rune) bool { return unicode.IsSpace(r) || r == 0 })
}

// ParseSample decodes one scalar. Surrounding whitespace and NULs are
// ignored; NaN and infinities are rejected.
func ParseSample(text string) (float32, error) {
	s := trimMessage(text)
	v, err := strconv.ParseFloat(s, 32)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ParseError{Text: text, Err: ErrMalformed}
	}
	return float32(v), nil
}

// ParseFrame decodes one sample vector. Channel values are separated by
// commas or whitespace; the count must equal nChannels.
func ParseFrame(text string, nChannels int) ([]float32, error) {
	if nChannels <= 1 {
		v, err := ParseSample(text)
		if err != nil {
			return nil, err
		}
		return []float32{v}, nil
	}

	fields := strings.FieldsFunc(trimMessage(text), func(r rune) bool {
		return r == ',' || r == ';' || unicode.IsSpace(r)
	})
	if len(fields) != nChannels {
		return nil, &ParseError{Text: text, Err: fmt.Errorf("%w: %d values for %d channels", ErrMalformed, len(fields), nChannels)}
	}

	out := make([]float32, nChannels)
	for i, f := range fields {
		v, err := ParseSample(f)
		if err != nil {
			return nil, &ParseError{Text: text, Err: fmt.Errorf("%w: channel %d", ErrMalformed, i)}
		}
		out[i] = v
	}
	return out, nil
}

// IsActivation reports whether a message signals a held input. Numeric
// messages are compared against threshold; anything else is searched for
// token.
func IsActivation(text, token string, threshold float64) bool {
	if v, err := ParseSample(text); err == nil {
		return float64(v) >= threshold
	}
	return token != "" && strings.Contains(text, token)
}

// MalformedLogger throttles warnings about discarded messages so a noisy
// peer cannot flood the log from the tick loop.
type MalformedLogger struct {
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

func NewMalformedLogger(every time.Duration, burst int) *MalformedLogger {
	return &MalformedLogger{limiter: rate.NewLimiter(rate.Every(every), burst)}
}

// Log reports whether the warning was written.
func (l *MalformedLogger) Log(err error) bool {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return false
	}
	ev := log.Warn().Err(err)
	if n := l.suppressed.Swap(0); n > 0 {
		ev = ev.Int64("suppressed", n)
	}
	ev.Msg("Discarding malformed message")
	return true
}
