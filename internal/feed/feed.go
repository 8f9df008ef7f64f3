// Package feed delivers trigger messages from external sources.
package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/alert_trader/internal/models"
)

// Sink receives every message a source reads. It must not block for long.
type Sink func(ctx context.Context, ev models.TriggerEvent)

// Source produces trigger events until ctx ends or the source is exhausted.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// LineSource reads one trigger per line, lowercased, from r (usually stdin).
type LineSource struct {
	r      io.Reader
	clock  clock.Clock
	logger logrus.FieldLogger
	prompt io.Writer
}

// NewLineSource reads from r. A non-nil prompt writer gets "> " before each line.
func NewLineSource(r io.Reader, prompt io.Writer, logger logrus.FieldLogger) *LineSource {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LineSource{r: r, clock: clock.New(), logger: logger, prompt: prompt}
}

// Name implements Source
func (s *LineSource) Name() string { return "stdin" }

// Run returns nil at EOF.
func (s *LineSource) Run(ctx context.Context, sink Sink) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(s.r)
		for {
			s.showPrompt()
			if !sc.Scan() {
				errc <- sc.Err()
				return
			}
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				errc <- nil
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				if err := <-errc; err != nil {
					return fmt.Errorf("read %s: %w", s.Name(), err)
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Debug("Line source reached EOF")
				return nil
			}
			line = strings.ToLower(strings.TrimSpace(line))
			if line == "" {
				continue
			}
			sink(ctx, models.NewTriggerEvent(line, s.clock.Now()))
		}
	}
}

func (s *LineSource) showPrompt() {
	if s.prompt != nil {
		_, _ = io.WriteString(s.prompt, "> ")
	}
}
