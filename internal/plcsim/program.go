package plcsim

import (
	"github.com/KevinKickass/OpenMachineBridge/internal/types"
)

// Program is PLC logic executed once per scan.
type Program interface {
	// Install defines the tags the program owns.
	Install(s *Server) error
	Scan(t Tags)
}

// Tags gives a program locked access to the tag table during one scan.
// Unknown tags read as zero and writes to them are dropped.
type Tags struct {
	s *Server
}

func (t Tags) Bool(address types.NodeAddress) bool {
	v, ok := t.s.tags[address]
	return ok && v.Type == types.DataTypeBoolean && v.Bool()
}

func (t Tags) SetBool(address types.NodeAddress, b bool) {
	_ = t.s.setLocked(address, types.BoolValue(b))
}

func (t Tags) Double(address types.NodeAddress) float64 {
	v, ok := t.s.tags[address]
	if !ok {
		return 0
	}
	return v.Float64()
}

func (t Tags) SetDouble(address types.NodeAddress, f float64) {
	_ = t.s.setLocked(address, types.DoubleValue(f))
}

func (t Tags) Byte(address types.NodeAddress) uint8 {
	v, ok := t.s.tags[address]
	if !ok || v.Type != types.DataTypeByte {
		return 0
	}
	return v.Byte()
}

func (t Tags) SetByte(address types.NodeAddress, b uint8) {
	_ = t.s.setLocked(address, types.ByteValue(b))
}

// Update runs fn with the tag table locked.
func (s *Server) Update(fn func(t Tags)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(Tags{s: s})
}

// ConveyorTags addresses one belt: its speed setpoint and the photoeyes at
// its entry and exit.
type ConveyorTags struct {
	Speed types.NodeAddress
	Entry types.NodeAddress
	Exit  types.NodeAddress
}

// LineProgram runs a straight conveyor line that feeds a process station at
// its end. A belt stops while its exit eye and the next belt's entry eye are
// both blocked. The last belt holds a product at its exit for ProcessScans
// scans with ProcessActive set, then discharges it and counts it.
type LineProgram struct {
	Conveyors      []ConveyorTags
	ReadyToReceive types.NodeAddress
	ProcessActive  types.NodeAddress
	Counter        types.NodeAddress
	CountUp        types.NodeAddress

	Speed        float64
	ProcessScans int

	processed int
	holding   bool
}

func (p *LineProgram) Install(s *Server) error {
	for _, c := range p.Conveyors {
		if err := define(s, c.Speed, types.DoubleValue(0)); err != nil {
			return err
		}
		if err := define(s, c.Entry, types.BoolValue(false)); err != nil {
			return err
		}
		if err := define(s, c.Exit, types.BoolValue(false)); err != nil {
			return err
		}
	}
	for _, a := range []types.NodeAddress{p.ReadyToReceive, p.ProcessActive, p.CountUp} {
		if err := define(s, a, types.BoolValue(false)); err != nil {
			return err
		}
	}
	return define(s, p.Counter, types.ByteValue(0))
}

func define(s *Server, address types.NodeAddress, v types.Value) error {
	if address == "" {
		return nil
	}
	return s.Define(address, v)
}

func (p *LineProgram) Scan(t Tags) {
	n := len(p.Conveyors)
	for i, c := range p.Conveyors {
		speed := p.Speed
		if i < n-1 && t.Bool(c.Exit) && t.Bool(p.Conveyors[i+1].Entry) {
			speed = 0
		}
		if i == n-1 {
			speed = p.scanStation(t, c)
		}
		t.SetDouble(c.Speed, speed)
	}

	if n > 0 {
		t.SetBool(p.ReadyToReceive, !t.Bool(p.Conveyors[0].Entry))
	}

	if t.Bool(p.CountUp) {
		t.SetBool(p.CountUp, false)
		t.SetByte(p.Counter, t.Byte(p.Counter)+1)
	}
}

// scanStation returns the speed of the last belt.
func (p *LineProgram) scanStation(t Tags, c ConveyorTags) float64 {
	blocked := t.Bool(c.Exit)
	switch {
	case blocked && !p.holding && p.processed == 0:
		p.holding = true
	case !blocked && p.processed > 0:
		// product left the station
		p.processed = 0
		t.SetByte(p.Counter, t.Byte(p.Counter)+1)
	}

	if p.holding {
		p.processed++
		if p.processed >= p.ProcessScans {
			p.holding = false
		}
	}
	t.SetBool(p.ProcessActive, p.holding)

	if p.holding {
		return 0
	}
	return p.Speed
}
