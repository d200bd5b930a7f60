package prosthetic

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/dental/backoffice/internal/platform/telemetry"
)

// codeAlphabet omits 0, O, 1 and I. Its 32 symbols let a random byte be
// reduced with a mask.
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	codePrefix       = "CP"
	randomCodeLength = 6
	// Microseconds in a year fit in 9 base-32 digits.
	fallbackCodeLength = 9
	maxCodeAttempts    = 10
)

var codePattern = regexp.MustCompile(`^CP-\d{4}-[` + codeAlphabet + `]{6}([` + codeAlphabet + `]{3})?$`)

// ValidCode reports whether s has the shape of an issued code.
func ValidCode(s string) bool {
	return codePattern.MatchString(s)
}

// CodeChecker reports whether a code is already taken.
type CodeChecker interface {
	CodeExists(ctx context.Context, code string) (bool, error)
}

// CodeGenerator issues case codes of the form CP-<year>-XXXXXX.
type CodeGenerator struct {
	checker CodeChecker
	loc     *time.Location
	now     func() time.Time
	random  io.Reader
	metrics *telemetry.Metrics

	// last fallback stamp, microseconds since the start of its year
	last atomic.Int64
}

func NewCodeGenerator(checker CodeChecker, loc *time.Location, metrics *telemetry.Metrics) *CodeGenerator {
	if loc == nil {
		loc = time.UTC
	}
	return &CodeGenerator{
		checker: checker,
		loc:     loc,
		now:     time.Now,
		random:  rand.Reader,
		metrics: metrics,
	}
}

// Issue returns a code that the checker reports as free. After
// maxCodeAttempts random collisions it switches to a suffix derived from a
// process-monotonic clock, which is re-checked until free.
func (g *CodeGenerator) Issue(ctx context.Context) (string, error) {
	now := g.now().In(g.loc)
	prefix := fmt.Sprintf("%s-%d-", codePrefix, now.Year())

	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		suffix, err := g.randomSuffix()
		if err != nil {
			return "", err
		}
		code := prefix + suffix
		taken, err := g.checker.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}
		if !taken {
			g.metrics.CodeIssued(false)
			return code, nil
		}
		g.metrics.CodeCollision()
	}

	yearStart := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, g.loc)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code := prefix + encodeFixed(g.nextStamp(now.Sub(yearStart).Microseconds()), fallbackCodeLength)
		taken, err := g.checker.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}
		if !taken {
			g.metrics.CodeIssued(true)
			return code, nil
		}
		g.metrics.CodeCollision()
	}
}

func (g *CodeGenerator) randomSuffix() (string, error) {
	buf := make([]byte, randomCodeLength)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[b&31]
	}
	return string(buf), nil
}

// nextStamp returns max(candidate, last+1) and records it.
func (g *CodeGenerator) nextStamp(candidate int64) int64 {
	for {
		last := g.last.Load()
		next := candidate
		if next <= last {
			next = last + 1
		}
		if g.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

func encodeFixed(v int64, width int) string {
	out := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		out[i] = codeAlphabet[v&31]
		v >>= 5
	}
	return string(out)
}
