// Package limiter throttles calls to the paid transcription and grading providers.
package limiter

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/trezcool/tathmini/core/rubric"
	"github.com/trezcool/tathmini/core/session"
)

// New returns a limiter allowing `perMinute` calls per minute with bursts of `burst`.
// A non-positive rate disables limiting.
func New(perMinute, burst int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
}

type transcriber struct {
	next session.Transcriber
	lim  *rate.Limiter
}

var _ session.Transcriber = (*transcriber)(nil) // interface compliance check

func Transcriber(next session.Transcriber, lim *rate.Limiter) session.Transcriber {
	return &transcriber{next: next, lim: lim}
}

func (t *transcriber) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if err := t.lim.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "waiting for transcription quota")
	}
	return t.next.Transcribe(ctx, audio)
}

type grader struct {
	next session.Grader
	lim  *rate.Limiter
}

var _ session.Grader = (*grader)(nil) // interface compliance check

func Grader(next session.Grader, lim *rate.Limiter) session.Grader {
	return &grader{next: next, lim: lim}
}

func (g *grader) Grade(ctx context.Context, transcript, finalPrompt string, rb rubric.Rubric) (string, error) {
	if err := g.lim.Wait(ctx); err != nil {
		return "", errors.Wrap(err, "waiting for grading quota")
	}
	return g.next.Grade(ctx, transcript, finalPrompt, rb)
}
