package server

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/avswitch/internal/cases"
	"github.com/e7canasta/avswitch/internal/composite"
	"github.com/e7canasta/avswitch/internal/notify"
	"github.com/e7canasta/avswitch/internal/tcpmix"
)

func (s *Server) servePort(p *tcpmix.Port, kind cases.ServeKind) {
	if err := s.Serve(p, kind); err != nil {
		slog.Error("server: failed to serve stream",
			"stream", p.Name(),
			"serve", kind.String(),
			"error", err,
		)
		p.Retire()
	}
}

// Serve routes a new client stream: it picks the stream's role, allocates a
// sink port and starts the input, branch and work cases for it.
func (s *Server) Serve(stream cases.Stream, kind cases.ServeKind) error {
	comp := s.composite.Load()
	if comp == nil {
		return ErrNotStarted
	}
	aw, ah, bw, bh := channelSizes(comp.Geometry())

	s.mu.Lock()
	typ := s.suggestLocked(kind)
	port, err := s.alloc.allocate()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.caseCount++
	workName := fmt.Sprintf("case-%d", s.caseCount)
	s.mu.Unlock()

	base := cases.Config{
		Serve:        kind,
		Port:         port,
		Host:         s.cfg.Host,
		AWidth:       aw,
		AHeight:      ah,
		BWidth:       bw,
		BHeight:      bh,
		Engine:       s.cfg.Engine,
		Metrics:      s.cfg.Metrics,
		TickInterval: s.cfg.TickInterval,
	}

	inputCfg := base
	inputCfg.Name = cases.InputChannel(port)
	inputCfg.Type = cases.InputOf(kind)
	inputCfg.Stream = stream
	input, err := cases.New(inputCfg)
	if err != nil {
		s.alloc.revoke(port)
		return fmt.Errorf("server: input case: %w", err)
	}

	branchCfg := base
	branchCfg.Name = cases.BranchChannel(port)
	branchCfg.Type = cases.BranchOf(typ)
	branch, err := cases.New(branchCfg)
	if err != nil {
		s.alloc.revoke(port)
		return fmt.Errorf("server: branch case: %w", err)
	}

	workCfg := base
	workCfg.Name = workName
	workCfg.Type = typ
	workCfg.Input = input.ID()
	workCfg.Branch = branch.ID()
	work, err := cases.New(workCfg)
	if err != nil {
		s.alloc.revoke(port)
		return fmt.Errorf("server: work case: %w", err)
	}

	branch.OnStarted(s.startCase)
	for _, c := range []*cases.Case{input, branch, work} {
		c.OnEnded(s.endCase)
	}

	s.register(input, branch, work)

	for _, c := range []*cases.Case{input, branch, work} {
		if err := c.Start(); err != nil {
			s.unregister(input, branch, work)
			for _, started := range []*cases.Case{input, branch, work} {
				started.Stop()
			}
			s.revokeIfUnused(port)
			return fmt.Errorf("server: start %s: %w", c.Name(), err)
		}
	}

	slog.Info("server: serving stream",
		"stream", stream.Name(),
		"serve", kind.String(),
		"type", typ.String(),
		"port", port,
		"case", workName,
	)
	return nil
}

// suggestLocked picks the role of a new stream: the first free composite
// channel of its kind, else a preview.
func (s *Server) suggestLocked(kind cases.ServeKind) cases.Type {
	var hasA, hasB, hasAudio bool
	for _, c := range s.cases {
		if c.Switching() {
			continue
		}
		switch c.Type() {
		case cases.CompositeChannelA:
			hasA = true
		case cases.CompositeChannelB:
			hasB = true
		case cases.CompositeAudio:
			hasAudio = true
		}
	}

	if kind == cases.ServeAudio {
		if !hasAudio {
			return cases.CompositeAudio
		}
		return cases.Preview
	}
	switch {
	case !hasA:
		return cases.CompositeChannelA
	case !hasB:
		return cases.CompositeChannelB
	default:
		return cases.Preview
	}
}

func (s *Server) register(cs ...*cases.Case) {
	s.mu.Lock()
	for _, c := range cs {
		s.cases[c.ID()] = c
	}
	n := len(s.cases)
	s.mu.Unlock()

	s.cfg.Metrics.SetCasesActive(n)
}

func (s *Server) unregister(cs ...*cases.Case) {
	s.mu.Lock()
	for _, c := range cs {
		delete(s.cases, c.ID())
	}
	n := len(s.cases)
	s.mu.Unlock()

	s.cfg.Metrics.SetCasesActive(n)
}

// startCase announces branch outputs to controllers.
func (s *Server) startCase(c *cases.Case) {
	if !c.Type().IsBranch() {
		return
	}
	s.publish(notify.AddPreviewPort(c.Port(), c.Serve().String(), c.Type().String()))
	if c.Type() == cases.BranchAudio {
		s.publish(notify.SetAudioPort(c.Port()))
	}
}

// endCase removes c from the arena. When an input ends, every case sharing
// its port is stopped.
func (s *Server) endCase(c *cases.Case) {
	port := c.Port()

	s.mu.Lock()
	_, live := s.cases[c.ID()]
	delete(s.cases, c.ID())
	n := len(s.cases)

	var siblings []*cases.Case
	if live && c.Type().IsInput() {
		for _, other := range s.cases {
			if other.Port() == port {
				siblings = append(siblings, other)
			}
		}
	}
	s.mu.Unlock()

	s.cfg.Metrics.SetCasesActive(n)

	if live {
		slog.Info("server: case removed", "case", c.Name(), "type", c.Type().String(), "cases_left", n)
	}

	for _, sib := range siblings {
		sib.Stop()
	}
	s.revokeIfUnused(port)
}

// revokeIfUnused releases port once no case in the arena serves it.
func (s *Server) revokeIfUnused(port int) {
	s.mu.Lock()
	for _, c := range s.cases {
		if c.Port() == port {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	if s.alloc.revoke(port) {
		slog.Debug("server: port revoked", "port", port)
	}
}

// snapshot returns the cases currently in the arena.
func (s *Server) snapshot() []*cases.Case {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*cases.Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, c)
	}
	return out
}

// channelSizes returns the A and B frame sizes for new video cases. Without
// a B channel, B takes the A size.
func channelSizes(geo composite.Geometry) (aw, ah, bw, bh int) {
	aw, ah = geo.A.W, geo.A.H
	bw, bh = geo.B.W, geo.B.H
	if geo.B.Empty() {
		bw, bh = aw, ah
	}
	return aw, ah, bw, bh
}
