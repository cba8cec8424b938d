package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/crunchmesh/crunchmesh/log"
)

func newTestMonitor(l log.Logger, quorum int, period time.Duration) *QuorumMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &QuorumMonitor{
		lock:         sync.RWMutex{},
		log:          l,
		meshID:       "default",
		quorum:       quorum,
		missingPeers: make(map[string]bool),
		ctx:          ctx,
		cancel:       cancel,
		period:       period,
	}
}

func TestLogsErrorsWhenQuorumReached(t *testing.T) {
	l := &mockLogger{}
	monitor := newTestMonitor(l, 3, 1*time.Second)

	l.On("Infow").Return()
	l.On("Errorw").Return()
	l.On("Debugw").Return()
	l.On("Warnw").Return()

	// starting monitor afterwards to avoid any flakiness on CI
	monitor.ReportMissing("a")
	monitor.ReportMissing("b")
	monitor.ReportMissing("c")
	monitor.Start()
	time.Sleep(1 * time.Second)
	monitor.Stop()

	l.AssertCalled(t, "Errorw", mock.Anything)
}

func TestLogsWarningsWhenHalfQuorumReached(t *testing.T) {
	l := &mockLogger{}
	monitor := newTestMonitor(l, 3, 1*time.Second)

	l.On("Infow").Return()
	l.On("Errorw").Return()
	l.On("Debugw").Return()
	l.On("Warnw").Return()

	// starting monitor afterwards to avoid any flakiness on CI
	monitor.ReportMissing("a")
	monitor.ReportMissing("c")
	monitor.Start()
	time.Sleep(1 * time.Second)
	monitor.Stop()

	l.AssertCalled(t, "Warnw", mock.Anything)
	l.AssertNotCalled(t, "Errorw", mock.Anything)
}

func TestLogsDebugWhenAllGood(t *testing.T) {
	l := &mockLogger{}
	monitor := newTestMonitor(l, 3, 1*time.Second)

	l.On("Infow").Return()
	l.On("Errorw").Return()
	l.On("Debugw").Return()
	l.On("Warnw").Return()

	monitor.Start()
	time.Sleep(1 * time.Second)
	monitor.Stop()

	l.AssertCalled(t, "Debugw", mock.Anything)
	l.AssertNotCalled(t, "Warnw", mock.Anything)
	l.AssertNotCalled(t, "Errorw", mock.Anything)
}

func TestDuplicateMissingPeersAreOnlyCountedOnce(t *testing.T) {
	l := &mockLogger{}
	monitor := newTestMonitor(l, 4, 1*time.Second)

	l.On("Infow").Return()
	l.On("Errorw").Return()
	l.On("Debugw").Return()
	l.On("Warnw").Return()

	// starting monitor afterwards to avoid any flakiness on CI
	monitor.ReportMissing("a")
	monitor.ReportMissing("a")
	monitor.ReportMissing("a")
	monitor.ReportMissing("a")
	monitor.Start()
	time.Sleep(1 * time.Second)
	monitor.Stop()

	l.AssertCalled(t, "Debugw", mock.Anything)
	l.AssertNotCalled(t, "Warnw", mock.Anything)
	l.AssertNotCalled(t, "Errorw", mock.Anything)
}

func TestStateIsResetEveryPeriod(t *testing.T) {
	l := &mockLogger{}
	monitor := newTestMonitor(l, 3, 1*time.Second)

	l.On("Infow").Return()
	l.On("Errorw").Return()
	l.On("Debugw").Return()
	l.On("Warnw").Return()

	// starting monitor afterwards to avoid any flakiness on CI
	monitor.ReportMissing("a")
	monitor.Start()
	time.Sleep(1 * time.Second)
	monitor.ReportMissing("b")
	time.Sleep(1 * time.Second)
	monitor.Stop()

	l.AssertNotCalled(t, "Errorw", mock.Anything)
}

type mockLogger struct {
	mock.Mock
}

func (m *mockLogger) Info(keyvals ...interface{}) {
	panic("implement me")
}

func (m *mockLogger) Debug(keyvals ...interface{}) {
	panic("implement me")
}

func (m *mockLogger) Warn(keyvals ...interface{}) {
	panic("implement me")
}

func (m *mockLogger) Error(keyvals ...interface{}) {
	panic("implement me")
}

func (m *mockLogger) Fatal(keyvals ...interface{}) {
	panic("implement me")
}

func (m *mockLogger) Panic(keyvals ...interface{}) {
	panic("implement me")
}

func (m *mockLogger) Infow(msg string, keyvals ...interface{}) {
	m.Called()
}

func (m *mockLogger) Debugw(msg string, keyvals ...interface{}) {
	m.Called()
}

func (m *mockLogger) Warnw(msg string, keyvals ...interface{}) {
	m.Called()
}

func (m *mockLogger) Errorw(msg string, keyvals ...interface{}) {
	m.Called()
}

func (m *mockLogger) Fatalw(msg string, keyvals ...interface{}) {
	panic("implement me")
}

func (m *mockLogger) Panicw(msg string, keyvals ...interface{}) {
	panic("implement me")
}

func (m *mockLogger) With(args ...interface{}) log.Logger {
	panic("implement me")
}

func (m *mockLogger) Named(s string) log.Logger {
	panic("implement me")
}

func (m *mockLogger) AddCallerSkip(skip int) log.Logger {
	panic("implement me")
}
