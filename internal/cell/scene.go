// Package cell is a headless stand-in for the 3D work cell: belts that move
// products along a straight line, photoeyes that look across the line, and
// stack lights. The bridge reaches it only through its probe and sink
// interfaces.
package cell

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Product dimensions of the original cell, in meters.
const (
	DefaultProductLength = 0.53012
	DefaultProductWidth  = 0.46643
	DefaultProductHeight = 0.5174
	DefaultSpawnPosition = -1.64879
)

var ErrSpawnBlocked = errors.New("spawn position is occupied")

type ConveyorConfig struct {
	Name   string  `mapstructure:"name" json:"name" yaml:"name"`
	Start  float64 `mapstructure:"start" json:"start" yaml:"start"`
	Length float64 `mapstructure:"length" json:"length" yaml:"length"`
}

type Config struct {
	Conveyors     []ConveyorConfig
	Indicators    []string
	SpawnPosition float64
	// Lateral is the distance from the photoeyes to the near face of every
	// product.
	Lateral float64
	Seed    uint64
}

// Scene is safe for concurrent use. The runner steps it while the API reads
// snapshots.
type Scene struct {
	mu         sync.RWMutex
	cfg        Config
	conveyors  []*Conveyor
	indicators map[string]*Indicator
	products   []*Product
	leds       map[string]bool
	rng        *rand.Rand
	now        func() time.Time
	logger     *zap.Logger

	spawned uint64
	exited  uint64
}

type Conveyor struct {
	scene    *Scene
	name     string
	start    float64
	length   float64
	velocity float64
}

type Indicator struct {
	scene  *Scene
	name   string
	active bool
}

type Product struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Position float64   `json:"position"`
	Lateral  float64   `json:"lateral"`
	Yaw      float64   `json:"yaw"`
	Upright  bool      `json:"upright"`
	Length   float64   `json:"length"`
	Created  time.Time `json:"created"`
}

func (p *Product) front() float64 { return p.Position + p.Length/2 }

func (p *Product) back() float64 { return p.Position - p.Length/2 }

func NewScene(cfg Config, logger *zap.Logger) (*Scene, error) {
	if len(cfg.Conveyors) == 0 {
		return nil, errors.New("cell needs at least one conveyor")
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	s := &Scene{
		cfg:        cfg,
		indicators: make(map[string]*Indicator),
		leds:       make(map[string]bool),
		rng:        rand.New(rand.NewPCG(seed, seed>>1|1)),
		now:        time.Now,
		logger:     logger,
	}

	names := make(map[string]bool)
	for _, c := range cfg.Conveyors {
		if c.Length <= 0 {
			return nil, fmt.Errorf("conveyor %s: length must be positive", c.Name)
		}
		if names[c.Name] {
			return nil, fmt.Errorf("duplicate conveyor %s", c.Name)
		}
		names[c.Name] = true
		s.conveyors = append(s.conveyors, &Conveyor{scene: s, name: c.Name, start: c.Start, length: c.Length})
	}
	sort.Slice(s.conveyors, func(i, j int) bool { return s.conveyors[i].start < s.conveyors[j].start })

	for _, name := range cfg.Indicators {
		s.indicators[name] = &Indicator{scene: s, name: name}
	}
	return s, nil
}

func (s *Scene) Conveyor(name string) (*Conveyor, bool) {
	for _, c := range s.conveyors {
		if c.name == name {
			return c, true
		}
	}
	return nil, false
}

func (s *Scene) Indicator(name string) (*Indicator, bool) {
	ind, ok := s.indicators[name]
	return ind, ok
}

// End is the downstream end of the last belt.
func (s *Scene) End() float64 {
	last := s.conveyors[len(s.conveyors)-1]
	return last.start + last.length
}

// Apply sets the belt surface velocity in m/s.
func (c *Conveyor) Apply(velocity float64) {
	if math.IsNaN(velocity) || math.IsInf(velocity, 0) {
		return
	}
	c.scene.mu.Lock()
	defer c.scene.mu.Unlock()
	c.velocity = velocity
}

func (c *Conveyor) Velocity() float64 {
	c.scene.mu.RLock()
	defer c.scene.mu.RUnlock()
	return c.velocity
}

func (c *Conveyor) covers(x float64) bool {
	return x >= c.start && x < c.start+c.length
}

func (i *Indicator) SetActive(active bool) {
	i.scene.mu.Lock()
	defer i.scene.mu.Unlock()
	i.active = active
}

func (i *Indicator) Active() bool {
	i.scene.mu.RLock()
	defer i.scene.mu.RUnlock()
	return i.active
}

// Step advances every product by the velocity of the belt under its center.
// Products queue behind the one ahead instead of overlapping, and leave the
// scene once fully past the end of the line.
func (s *Scene) Step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// front-most first so each product sees where the one ahead ended up
	sort.Slice(s.products, func(i, j int) bool { return s.products[i].Position > s.products[j].Position })

	end := s.End()
	kept := s.products[:0]
	var ahead *Product
	for _, p := range s.products {
		c := s.conveyorAt(p.Position)
		if c == nil {
			// hanging off the end of the line
			c = s.conveyorAt(p.back())
		}
		if c != nil {
			next := p.Position + c.velocity*dt
			if ahead != nil && c.velocity > 0 {
				next = math.Min(next, ahead.back()-p.Length/2)
				next = math.Max(next, p.Position)
			}
			p.Position = next
		}

		if p.back() >= end {
			s.exited++
			s.logger.Debug("Product left the line", zap.String("product", p.Name))
			continue
		}
		kept = append(kept, p)
		ahead = p
	}
	s.products = kept
}

func (s *Scene) conveyorAt(x float64) *Conveyor {
	for _, c := range s.conveyors {
		if c.covers(x) {
			return c
		}
	}
	return nil
}

// Probe reports whether a product sits in front of the photoeye and within
// its range. The photoeye's LED follows the result.
func (s *Scene) Probe(cfg types.SensorConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	triggered := false
	for _, p := range s.products {
		if cfg.Position < p.back() || cfg.Position > p.front() {
			continue
		}
		if p.Lateral >= cfg.RangeMin && p.Lateral <= cfg.RangeMax {
			triggered = true
			break
		}
	}
	s.leds[cfg.Name] = triggered
	return triggered
}

// Spawn places a new product at the spawn point with a random yaw and a
// fifty percent chance of standing upright.
func (s *Scene) Spawn() (Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p := &Product{
		ID:       uuid.New(),
		Name:     fmt.Sprintf("product_%d_%d_%d", now.Minute(), now.Second(), now.Nanosecond()/1000),
		Position: s.cfg.SpawnPosition,
		Lateral:  s.cfg.Lateral,
		Yaw:      s.rng.Float64() * 0.5,
		Upright:  s.rng.Float64() < 0.5,
		Length:   DefaultProductLength,
		Created:  now,
	}
	if p.Upright {
		p.Length = DefaultProductHeight
	}

	for _, other := range s.products {
		if p.back() < other.front() && other.back() < p.front() {
			return Product{}, fmt.Errorf("%w by %s", ErrSpawnBlocked, other.Name)
		}
	}

	s.products = append(s.products, p)
	s.spawned++
	return *p, nil
}

type ConveyorSnapshot struct {
	Name     string  `json:"name"`
	Start    float64 `json:"start"`
	Length   float64 `json:"length"`
	Velocity float64 `json:"velocity"`
}

type Snapshot struct {
	Conveyors  []ConveyorSnapshot `json:"conveyors"`
	Products   []Product          `json:"products"`
	LEDs       map[string]bool    `json:"leds"`
	Indicators map[string]bool    `json:"indicators"`
	Spawned    uint64             `json:"spawned"`
	Exited     uint64             `json:"exited"`
}

func (s *Scene) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Conveyors:  make([]ConveyorSnapshot, len(s.conveyors)),
		Products:   make([]Product, len(s.products)),
		LEDs:       make(map[string]bool, len(s.leds)),
		Indicators: make(map[string]bool, len(s.indicators)),
		Spawned:    s.spawned,
		Exited:     s.exited,
	}
	for i, c := range s.conveyors {
		snap.Conveyors[i] = ConveyorSnapshot{Name: c.name, Start: c.start, Length: c.length, Velocity: c.velocity}
	}
	for i, p := range s.products {
		snap.Products[i] = *p
	}
	for name, on := range s.leds {
		snap.LEDs[name] = on
	}
	for name, ind := range s.indicators {
		snap.Indicators[name] = ind.active
	}
	return snap
}

// Reset removes all products and stops the belts.
func (s *Scene) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products = nil
	for _, c := range s.conveyors {
		c.velocity = 0
	}
	for name := range s.leds {
		s.leds[name] = false
	}
	for _, ind := range s.indicators {
		ind.active = false
	}
}
