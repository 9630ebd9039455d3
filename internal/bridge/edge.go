package bridge

type Edge int

const (
	Steady Edge = iota
	RisingEdge
	FallingEdge
)

func DetectEdge(previous, current bool) Edge {
	switch {
	case !previous && current:
		return RisingEdge
	case previous && !current:
		return FallingEdge
	default:
		return Steady
	}
}

func (e Edge) String() string {
	switch e {
	case RisingEdge:
		return "rising"
	case FallingEdge:
		return "falling"
	default:
		return "steady"
	}
}

func (e Edge) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}
