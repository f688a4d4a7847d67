package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/tutur/domain/repositories"
)

// SessionCleanupService expires sessions whose devices went quiet
type SessionCleanupService struct {
	sessionRepo repositories.SessionRepository
	idleTimeout time.Duration
	interval    time.Duration
	clock       clock.Clock
	logger      *zap.Logger
	stopChan    chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
}

// NewSessionCleanupService creates a new session cleanup service
func NewSessionCleanupService(sessionRepo repositories.SessionRepository, idleTimeout, interval time.Duration, clk clock.Clock, logger *zap.Logger) *SessionCleanupService {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SessionCleanupService{
		sessionRepo: sessionRepo,
		idleTimeout: idleTimeout,
		interval:    interval,
		clock:       clk,
		logger:      logger,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	go s.cleanupLoop(s.clock.Ticker(s.interval))
	s.logger.Info("Session cleanup service started",
		zap.Duration("idleTimeout", s.idleTimeout),
		zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service
func (s *SessionCleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.done
		s.logger.Info("Session cleanup service stopped")
	})
}

func (s *SessionCleanupService) cleanupLoop(ticker *clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// runCleanup performs one sweep of idle sessions
func (s *SessionCleanupService) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	expired, err := s.sessionRepo.ExpireIdle(ctx, s.idleTimeout)
	if err != nil {
		s.logger.Error("Failed to expire sessions", zap.Error(err))
		return
	}
	if expired > 0 {
		s.logger.Info("Expired idle sessions", zap.Int64("count", expired))
	}
}
