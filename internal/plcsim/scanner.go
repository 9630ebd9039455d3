package plcsim

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scanner executes a Program against a Server at a fixed period, like a PLC
// task.
type Scanner struct {
	server   *Server
	program  Program
	period   time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	scans    uint64
	mu       sync.Mutex
}

func NewScanner(server *Server, program Program, period time.Duration, logger *zap.Logger) *Scanner {
	return &Scanner{
		server:  server,
		program: program,
		period:  period,
		logger:  logger,
	}
}

// Start startet den zyklischen Scan
func (s *Scanner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)

	go s.scanLoop(s.stopChan)

	s.logger.Info("PLC scanner started", zap.Duration("period", s.period))
}

// Stop stoppt den Scan
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("PLC scanner stopped", zap.Uint64("scans", s.Scans()))
}

func (s *Scanner) scanLoop(stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.ScanOnce()
		}
	}
}

// ScanOnce runs a single scan synchronously.
func (s *Scanner) ScanOnce() {
	s.server.Update(s.program.Scan)

	s.mu.Lock()
	s.scans++
	s.mu.Unlock()
}

func (s *Scanner) Scans() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scans
}

func (s *Scanner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
