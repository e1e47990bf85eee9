package linkauth

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// SweepReport summarizes one maintenance round.
type SweepReport struct {
	SessionsExpired int `json:"sessions_expired"`
	SessionsPurged  int `json:"sessions_purged"`
	LinkingExpired  int `json:"linking_expired"`
	LinkingPurged   int `json:"linking_purged"`
	AuditPurged     int `json:"audit_purged"`
}

// SweepNow runs one maintenance round: lazily-expired sessions and linking
// sessions are flipped to their terminal state, and records past their
// retention windows are deleted. The background sweeper calls this on a
// timer; callers may invoke it directly, for example from a cron job.
//
// SweepNow may return an error when input validation, dependency calls, or security checks fail.
func (e *Engine) SweepNow(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var firstErr error

	record := func(n int, err error, into *int) {
		*into = n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, err := e.sessions.SweepExpired(ctx)
	record(n, err, &report.SessionsExpired)
	for i := 0; i < n; i++ {
		e.metricInc(MetricSessionExpired)
	}

	n, err = e.sessions.PurgeOld(ctx, e.cfg.Session.PurgeAfter)
	record(n, err, &report.SessionsPurged)

	n, err = e.linking.SweepExpired(ctx)
	record(n, err, &report.LinkingExpired)

	n, err = e.linking.PurgeTerminal(ctx, e.cfg.Linking.PurgeAfter)
	record(n, err, &report.LinkingPurged)

	if e.auditLog != nil {
		n, err = e.auditLog.CleanupOld(ctx, e.cfg.Audit.Retention)
		record(n, err, &report.AuditPurged)
	}

	success := firstErr == nil
	e.emitAudit(ctx, auditEventSweepCompleted, success, "", "", "", firstErr, func() map[string]string {
		return map[string]string{
			"sessions_expired": strconv.Itoa(report.SessionsExpired),
			"sessions_purged":  strconv.Itoa(report.SessionsPurged),
			"linking_expired":  strconv.Itoa(report.LinkingExpired),
			"linking_purged":   strconv.Itoa(report.LinkingPurged),
			"audit_purged":     strconv.Itoa(report.AuditPurged),
		}
	})

	if firstErr != nil {
		return report, ErrStorage.wrapErr(firstErr)
	}
	return report, nil
}

// sweeper runs SweepNow on a fixed interval until stopped.
type sweeper struct {
	engine   *Engine
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

func newSweeper(engine *Engine, interval time.Duration) *sweeper {
	return &sweeper{
		engine:   engine,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (s *sweeper) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.interval)
			_, _ = s.engine.SweepNow(ctx)
			cancel()
		case <-s.done:
			return
		}
	}
}

func (s *sweeper) stop() {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}
