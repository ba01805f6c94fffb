package server

import (
	"log/slog"
	"sort"

	"github.com/e7canasta/avswitch/internal/cases"
	"github.com/e7canasta/avswitch/internal/composite"
)

// AdjustPIP moves and resizes channel B by the given deltas. The rectangle
// is kept at x,y >= 0 and at least the minimum PIP size. The result has bit
// 0 set for a moved x, bit 1 for y, bit 2 for w and bit 3 for h, and is
// nonzero when the composite accepted the new rectangle.
func (s *Server) AdjustPIP(dx, dy, dw, dh int) uint {
	comp := s.composite.Load()
	if comp == nil {
		return 0
	}

	s.pipMu.Lock()
	defer s.pipMu.Unlock()

	s.pip.X = max(s.pip.X+dx, 0)
	s.pip.Y = max(s.pip.Y+dy, 0)
	s.pip.W = max(s.pip.W+dw, composite.MinPIPWidth)
	s.pip.H = max(s.pip.H+dh, composite.MinPIPHeight)

	var result uint
	if comp.AdjustPIP(s.pip.X, s.pip.Y, s.pip.W, s.pip.H) {
		result = 1
	}
	if dx != 0 {
		result |= 1 << 0
	}
	if dy != 0 {
		result |= 1 << 1
	}
	if dw != 0 {
		result |= 1 << 2
	}
	if dh != 0 {
		result |= 1 << 3
	}

	slog.Debug("server: adjust pip",
		"x", s.pip.X, "y", s.pip.Y, "w", s.pip.W, "h", s.pip.H,
		"result", result,
	)
	return result
}

// PIP returns the server-side PIP rectangle.
func (s *Server) PIP() composite.Rect {
	s.pipMu.Lock()
	defer s.pipMu.Unlock()
	return s.pip
}

// SetCompositeMode switches the composite layout. Requesting the current
// mode is rejected. On success the PIP rectangle restarts from the new
// layout's channel B.
func (s *Server) SetCompositeMode(mode composite.Mode) bool {
	comp := s.composite.Load()
	if comp == nil {
		return false
	}

	s.pipMu.Lock()
	defer s.pipMu.Unlock()

	cur := comp.Geometry()
	if mode == comp.Mode() {
		slog.Warn("server: same composite mode", "mode", mode.String())
		return false
	}
	if !comp.SetMode(mode) {
		return false
	}

	geo, err := composite.Layout(mode, cur.Width, cur.Height)
	if err == nil {
		s.pip = geo.B
	}
	return true
}

// NewRecord starts a new recording file.
func (s *Server) NewRecord() bool {
	comp := s.composite.Load()
	if comp == nil {
		return false
	}
	return comp.NewRecord()
}

// ComposePort returns the composite output port.
func (s *Server) ComposePort() int {
	if comp := s.composite.Load(); comp != nil {
		return comp.SinkPort()
	}
	return 0
}

// EncodePort returns the encoded output port.
func (s *Server) EncodePort() int {
	if comp := s.composite.Load(); comp != nil {
		return comp.EncodePort()
	}
	return 0
}

// AudioPort returns the port of the audio on air, or 0.
func (s *Server) AudioPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	port := 0
	for _, c := range s.cases {
		if c.Type() == cases.CompositeAudio && !c.Switching() {
			if port == 0 || c.Port() < port {
				port = c.Port()
			}
		}
	}
	return port
}

// PreviewPort is one preview output.
type PreviewPort struct {
	Port  int    `json:"port"`
	Serve string `json:"serve"`
	Type  string `json:"type"`
}

// PreviewPorts lists the outputs a controller can preview, ordered by port.
func (s *Server) PreviewPorts() []PreviewPort {
	s.mu.Lock()
	var out []PreviewPort
	for _, c := range s.cases {
		switch c.Type() {
		case cases.BranchChannelA, cases.BranchChannelB, cases.BranchAudio, cases.Preview:
			out = append(out, PreviewPort{
				Port:  c.Port(),
				Serve: c.Serve().String(),
				Type:  c.Type().String(),
			})
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// Cases returns a snapshot of every case, ordered by port then name.
func (s *Server) Cases() []cases.Info {
	snap := s.snapshot()

	out := make([]cases.Info, 0, len(snap))
	for _, c := range snap {
		out = append(out, c.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Port != out[j].Port {
			return out[i].Port < out[j].Port
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Ports describes the server's ports.
type Ports struct {
	Video     int   `json:"video"`
	Audio     int   `json:"audio"`
	Control   int   `json:"control"`
	Compose   int   `json:"compose"`
	Encode    int   `json:"encode"`
	Allocated []int `json:"allocated"`
}

// Ports returns the acceptor, composite and allocated sink ports.
func (s *Server) Ports() Ports {
	return Ports{
		Video:     s.VideoPort(),
		Audio:     s.AudioInputPort(),
		Control:   s.ControlPort(),
		Compose:   s.ComposePort(),
		Encode:    s.EncodePort(),
		Allocated: s.alloc.allocated(),
	}
}

// Status is a summary of the server state.
type Status struct {
	Ready         bool               `json:"ready"`
	Mode          int                `json:"mode"`
	Transitioning bool               `json:"transitioning"`
	Adjusting     bool               `json:"adjusting"`
	Geometry      composite.Geometry `json:"geometry"`
	PIP           composite.Rect     `json:"pip"`
	Cases         int                `json:"cases"`
	Ports         Ports              `json:"ports"`
}

// Status returns a summary of the server state.
func (s *Server) Status() Status {
	st := Status{
		Ready: s.Ready(),
		PIP:   s.PIP(),
		Ports: s.Ports(),
	}
	if comp := s.composite.Load(); comp != nil {
		st.Mode = int(comp.Mode())
		st.Transitioning = comp.Transitioning()
		st.Adjusting = comp.Adjusting()
		st.Geometry = comp.Geometry()
	}

	s.mu.Lock()
	st.Cases = len(s.cases)
	s.mu.Unlock()

	return st
}
