package bakery

import (
	"time"

	"go.uber.org/zap"
)

// Observer is notified at protocol transitions.
type Observer interface {
	TicketAcquired(id string, ticket uint64)
	Entered(id string, ticket uint64, waited time.Duration)
	Incremented(id string, output uint64)
	OutputAcknowledged(id string, output uint64, waited time.Duration)
	Exited(id string, waited time.Duration)
	Acknowledged(id string, output uint64)
}

// NopObserver ignores every transition.
type NopObserver struct{}

func (NopObserver) TicketAcquired(string, uint64)                    {}
func (NopObserver) Entered(string, uint64, time.Duration)            {}
func (NopObserver) Incremented(string, uint64)                       {}
func (NopObserver) OutputAcknowledged(string, uint64, time.Duration) {}
func (NopObserver) Exited(string, time.Duration)                     {}
func (NopObserver) Acknowledged(string, uint64)                      {}

type logObserver struct {
	logger *zap.Logger
}

// LogObserver logs protocol milestones at info and acknowledgments at debug.
func LogObserver(logger *zap.Logger) Observer {
	return logObserver{logger: logger}
}

func (o logObserver) TicketAcquired(id string, ticket uint64) {
	o.logger.Info("ticket acquired", zap.String("participant", id), zap.Uint64("ticket", ticket))
}

func (o logObserver) Entered(id string, ticket uint64, waited time.Duration) {
	o.logger.Info("entered critical section",
		zap.String("participant", id), zap.Uint64("ticket", ticket), zap.Duration("waited", waited))
}

func (o logObserver) Incremented(id string, output uint64) {
	o.logger.Info("incremented output", zap.String("participant", id), zap.Uint64("output", output))
}

func (o logObserver) OutputAcknowledged(id string, output uint64, waited time.Duration) {
	o.logger.Info("output acknowledged by all",
		zap.String("participant", id), zap.Uint64("output", output), zap.Duration("waited", waited))
}

func (o logObserver) Exited(id string, waited time.Duration) {
	o.logger.Info("exited critical section", zap.String("participant", id), zap.Duration("waited", waited))
}

func (o logObserver) Acknowledged(id string, output uint64) {
	o.logger.Debug("published acknowledgments", zap.String("participant", id), zap.Uint64("output", output))
}

type multiObserver []Observer

// Observers fans transitions out to every observer in order.
func Observers(obs ...Observer) Observer {
	return multiObserver(obs)
}

func (m multiObserver) TicketAcquired(id string, ticket uint64) {
	for _, o := range m {
		o.TicketAcquired(id, ticket)
	}
}

func (m multiObserver) Entered(id string, ticket uint64, waited time.Duration) {
	for _, o := range m {
		o.Entered(id, ticket, waited)
	}
}

func (m multiObserver) Incremented(id string, output uint64) {
	for _, o := range m {
		o.Incremented(id, output)
	}
}

func (m multiObserver) OutputAcknowledged(id string, output uint64, waited time.Duration) {
	for _, o := range m {
		o.OutputAcknowledged(id, output, waited)
	}
}

func (m multiObserver) Exited(id string, waited time.Duration) {
	for _, o := range m {
		o.Exited(id, waited)
	}
}

func (m multiObserver) Acknowledged(id string, output uint64) {
	for _, o := range m {
		o.Acknowledged(id, output)
	}
}
