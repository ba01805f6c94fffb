package composite

import (
	"fmt"
)

// Mode is a composite layout.
type Mode int

const (
	// Mode0 shows channel A full frame.
	Mode0 Mode = iota
	// Mode1 overlays channel B on A (picture-in-picture).
	Mode1
	// Mode2 places A and B side by side, A larger.
	Mode2
	// Mode3 places A and B side by side at equal size.
	Mode3
)

const (
	DefaultMode   = Mode3
	DefaultWidth  = 1280
	DefaultHeight = 720

	MinPIPWidth  = 320
	MinPIPHeight = 240
)

// Valid reports whether m is one of the four layouts.
func (m Mode) Valid() bool {
	return m >= Mode0 && m <= Mode3
}

func (m Mode) String() string {
	return fmt.Sprintf("mode%d", int(m))
}

// Rect is a placement inside the output frame.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Geometry is the placement of both channels in a Width x Height frame.
type Geometry struct {
	Width  int  `json:"width"`
	Height int  `json:"height"`
	A      Rect `json:"a"`
	B      Rect `json:"b"`
}

// Layout derives the geometry of mode for a width x height output.
func Layout(mode Mode, width, height int) (Geometry, error) {
	if !mode.Valid() {
		return Geometry{}, fmt.Errorf("composite: invalid mode %d", int(mode))
	}
	if width <= 0 || height <= 0 {
		return Geometry{}, fmt.Errorf("composite: invalid output size %dx%d", width, height)
	}

	g := Geometry{Width: width, Height: height}

	switch mode {
	case Mode0:
		g.A = Rect{X: 0, Y: 0, W: width, H: height}

	case Mode1:
		g.A = Rect{X: 0, Y: 0, W: width, H: height}
		g.B = Rect{
			X: width / 16,
			Y: height / 16,
			W: max(width/4, MinPIPWidth),
			H: max(height/3, MinPIPHeight),
		}

	case Mode2:
		aw := width * 3 / 4
		ah := aw * height / width
		ay := (height - ah) / 2
		bw := width - aw
		bh := bw * height / width
		g.A = Rect{X: 0, Y: ay, W: aw, H: ah}
		g.B = Rect{X: aw, Y: ay, W: bw, H: bh}

	case Mode3:
		g.A = Rect{X: 0, Y: height / 4, W: width / 2, H: height / 2}
		g.B = Rect{X: width / 2, Y: height / 4, W: width / 2, H: height / 2}
	}

	return g, nil
}
