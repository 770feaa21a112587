// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines a type for writing to logs. It's just a
// convenience type so that we don't have to pass verbose func(...)
// types around.
package logger

import (
	"bufio"
	"container/list"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Logf is the basic logger type: a printf-like func.
// Like log.Printf, the format need not end in a newline.
// Logf functions must be safe for concurrent use.
//
// Functions that wrap logger functions must pass through the original
// format and args, possibly augmented, so that rate limiting keyed on the
// format string keeps working.
type Logf func(format string, args ...any)

// WithPrefix wraps f, prefixing each format with the provided prefix.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// FuncWriter returns an io.Writer that writes to f.
func FuncWriter(f Logf) io.Writer {
	return funcWriter{f}
}

type funcWriter struct{ f Logf }

func (w funcWriter) Write(p []byte) (int, error) {
	w.f("%s", p)
	return len(p), nil
}

// Discard is a Logf that throws away the logs given to it.
func Discard(string, ...any) {}

// OrDiscard returns f, or Discard if f is nil.
func OrDiscard(f Logf) Logf {
	if f == nil {
		return Discard
	}
	return f
}

type formatLimit struct {
	lim     *rate.Limiter
	warned  bool // a "rate limited" notice was logged since the last allowed line
	element *list.Element
}

// RateLimitedFn returns a Logf that lets each distinct format string
// through at most once per every, in bursts of up to burst lines. It
// tracks up to maxCache format strings, forgetting the least recently
// used ones.
//
// The first suppressed line of a format is replaced by a single
// "[RATE LIMITED]" notice; later ones are dropped silently until the
// format is allowed again.
func RateLimitedFn(logf Logf, every time.Duration, burst int, maxCache int) Logf {
	var (
		mu     sync.Mutex
		limits = make(map[string]*formatLimit)
		lru    = list.New() // of format strings, most recent first
	)
	allow := func(format string) (ok, warn bool) {
		mu.Lock()
		defer mu.Unlock()
		fl, found := limits[format]
		if found {
			lru.MoveToFront(fl.element)
		} else {
			fl = &formatLimit{
				lim:     rate.NewLimiter(rate.Every(every), burst),
				element: lru.PushFront(format),
			}
			limits[format] = fl
			if lru.Len() > maxCache {
				oldest := lru.Back()
				delete(limits, oldest.Value.(string))
				lru.Remove(oldest)
			}
		}
		if fl.lim.Allow() {
			fl.warned = false
			return true, false
		}
		if !fl.warned {
			fl.warned = true
			return false, true
		}
		return false, false
	}
	return func(format string, args ...any) {
		switch ok, warn := allow(format); {
		case ok:
			logf(format, args...)
		case warn:
			logf("[RATE LIMITED] format string %q (example: %q)", format, strings.TrimSpace(fmt.Sprintf(format, args...)))
		}
	}
}

// ArgWriter is a fmt.Formatter that can be passed to any Logf func to
// efficiently write to a %v argument without allocations.
type ArgWriter func(*bufio.Writer)

func (fn ArgWriter) Format(f fmt.State, _ rune) {
	bw := argBufioPool.Get().(*bufio.Writer)
	bw.Reset(f)
	fn(bw)
	bw.Flush()
	argBufioPool.Put(bw)
}

var argBufioPool = &sync.Pool{New: func() any { return bufio.NewWriterSize(io.Discard, 1024) }}
