package server

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/avswitch/internal/cases"
	"github.com/e7canasta/avswitch/internal/notify"
)

// channelType maps a switch channel to the work case type that feeds it.
func channelType(channel rune) (cases.Type, bool) {
	switch channel {
	case 'A':
		return cases.CompositeChannelA, true
	case 'B':
		return cases.CompositeChannelB, true
	case 'a':
		return cases.CompositeAudio, true
	default:
		return cases.TypeUnknown, false
	}
}

// switchable reports whether a work case can trade places in a switch.
func switchable(t cases.Type) bool {
	switch t {
	case cases.CompositeChannelA, cases.CompositeChannelB, cases.CompositeAudio, cases.Preview:
		return true
	}
	return false
}

// Switch puts the stream served on port onto channel ('A', 'B' or 'a').
// The stream currently on the channel takes the other stream's place.
func (s *Server) Switch(channel rune, port int) error {
	want, ok := channelType(channel)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}

	s.mu.Lock()

	var target, candidate *cases.Case
	for _, c := range s.cases {
		if c.Switching() {
			continue
		}
		if c.Type() == want && target == nil {
			target = c
		}
		if switchable(c.Type()) && c.Port() == port {
			candidate = c
		}
	}

	switch {
	case candidate == nil:
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNoStreamOnPort, port)
	case target == nil:
		// Nothing on the channel yet: the channel is empty, treat it like
		// a missing stream.
		s.mu.Unlock()
		return fmt.Errorf("%w: channel %c is empty", ErrNoStreamOnPort, channel)
	case candidate == target:
		s.mu.Unlock()
		return fmt.Errorf("%w: port %d on %c", ErrAlreadyOnChannel, port, channel)
	case candidate.Serve() != target.Serve():
		s.mu.Unlock()
		return fmt.Errorf("%w: %s on %c", ErrServeMismatch, candidate.Serve(), channel)
	}

	work1, err := s.replacement(target, candidate)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	work2, err := s.replacement(candidate, target)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	target.SetSwitching(true)
	candidate.SetSwitching(true)
	s.cases[work1.ID()] = work1
	s.cases[work2.ID()] = work2
	n := len(s.cases)
	s.mu.Unlock()

	s.cfg.Metrics.SetCasesActive(n)

	slog.Info("server: switching",
		"channel", string(channel),
		"from", target.Name(),
		"from_port", target.Port(),
		"to", candidate.Name(),
		"to_port", candidate.Port(),
	)

	if work1.Type() == cases.CompositeAudio {
		work1.OnStarted(func(c *cases.Case) { s.publish(notify.SetAudioPort(c.Port())) })
	}
	for _, w := range []*cases.Case{work1, work2} {
		w.OnEnded(s.endCase)
	}

	target.Stop()
	candidate.Stop()

	for _, w := range []*cases.Case{work1, work2} {
		if err := w.Start(); err != nil {
			s.unregister(work1, work2)
			work1.Stop()
			work2.Stop()
			return fmt.Errorf("server: switch: start %s: %w", w.Name(), err)
		}
	}

	slog.Info("server: switched", "channel", string(channel), "work", work1.Name(), "peer", work2.Name())
	return nil
}

// replacement builds the case that keeps role's name and type but serves
// stream's port, input and branch.
func (s *Server) replacement(role, stream *cases.Case) (*cases.Case, error) {
	aw, ah, bw, bh := role.Sizes()

	c, err := cases.New(cases.Config{
		Name:         role.Name(),
		Type:         role.Type(),
		Serve:        role.Serve(),
		Port:         stream.Port(),
		Host:         s.cfg.Host,
		Input:        stream.Input(),
		Branch:       stream.Branch(),
		AWidth:       aw,
		AHeight:      ah,
		BWidth:       bw,
		BHeight:      bh,
		Engine:       s.cfg.Engine,
		Metrics:      s.cfg.Metrics,
		TickInterval: s.cfg.TickInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("server: switch: %w", err)
	}
	return c, nil
}
