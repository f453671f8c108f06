package ocppserver

import (
	"log"
	"sync"
	"time"

	"github.com/balu-dk/ocpp-csms-engine/internal/dispatch"
	"github.com/balu-dk/ocpp-csms-engine/internal/frame"
	"github.com/balu-dk/ocpp-csms-engine/server/database"
)

// JournalStore is the persistence side of the message logger.
type JournalStore interface {
	SaveRawMessageLogs(logs []database.RawMessageLog) error
	SaveCallOutcome(outcome *database.CallOutcome) error
}

// DatabaseMessageLogger queues raw OCPP frames and call outcomes and writes
// them to the database in batches.
type DatabaseMessageLogger struct {
	store         JournalStore
	logger        *log.Logger
	mutex         sync.Mutex
	messageQueue  []database.RawMessageLog
	outcomeQueue  []database.CallOutcome
	maxQueueSize  int
	flushInterval time.Duration
	flushMu       sync.Mutex

	flushNow chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ dispatch.Journal = (*DatabaseMessageLogger)(nil)

// NewDatabaseMessageLogger creates a new logger that stores messages in the
// database. The queue is flushed every flushInterval or once it holds
// maxQueueSize entries.
func NewDatabaseMessageLogger(store JournalStore, maxQueueSize int, flushInterval time.Duration, logger *log.Logger) *DatabaseMessageLogger {
	if maxQueueSize <= 0 {
		maxQueueSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}

	l := &DatabaseMessageLogger{
		store:         store,
		logger:        logger,
		messageQueue:  make([]database.RawMessageLog, 0, maxQueueSize),
		maxQueueSize:  maxQueueSize,
		flushInterval: flushInterval,
		flushNow:      make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}

	l.wg.Add(1)
	go l.periodicFlush()

	l.logger.Printf("Database logging enabled")
	return l
}

// periodicFlush flushes the queues periodically
func (l *DatabaseMessageLogger) periodicFlush() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Flush()
		case <-l.flushNow:
			l.Flush()
		case <-l.stop:
			return
		}
	}
}

// Flush writes everything queued so far.
func (l *DatabaseMessageLogger) Flush() {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mutex.Lock()
	messages := l.messageQueue
	outcomes := l.outcomeQueue
	l.messageQueue = make([]database.RawMessageLog, 0, l.maxQueueSize)
	l.outcomeQueue = nil
	l.mutex.Unlock()

	if len(messages) > 0 {
		if err := l.store.SaveRawMessageLogs(messages); err != nil {
			l.logger.Printf("Error saving raw message logs to database: %v", err)
		}
	}
	for i := range outcomes {
		if err := l.store.SaveCallOutcome(&outcomes[i]); err != nil {
			l.logger.Printf("Error saving call outcome %s to database: %v", outcomes[i].MessageID, err)
		}
	}
}

func (l *DatabaseMessageLogger) queueFull() bool {
	return len(l.messageQueue)+len(l.outcomeQueue) >= l.maxQueueSize
}

func (l *DatabaseMessageLogger) closed() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

// requestFlush wakes the flush goroutine. A request already waiting covers
// this one.
func (l *DatabaseMessageLogger) requestFlush() {
	select {
	case l.flushNow <- struct{}{}:
	default:
	}
}

// LogRawMessage queues a raw OCPP frame
func (l *DatabaseMessageLogger) LogRawMessage(direction string, chargePointID string, message []byte) error {
	if l.closed() {
		return nil
	}
	entry := database.RawMessageLog{
		ChargePointID: chargePointID,
		Timestamp:     time.Now(),
		Direction:     direction,
		Message:       string(message),
	}

	// extract metadata for easier filtering, undecodable frames are kept as is
	f, err := frame.Decode(message)
	entry.MessageID = f.MessageID
	if err == nil {
		switch f.Type {
		case frame.Call:
			entry.MessageType = "Request"
			entry.Action = f.Action
		case frame.CallResult:
			entry.MessageType = "Response"
		case frame.CallError:
			entry.MessageType = "Error"
		}
	}

	l.mutex.Lock()
	l.messageQueue = append(l.messageQueue, entry)
	full := l.queueFull()
	l.mutex.Unlock()

	if full {
		l.requestFlush()
	}
	return nil
}

// LogOutcome queues the outcome of a call
func (l *DatabaseMessageLogger) LogOutcome(rec dispatch.OutcomeRecord) error {
	if l.closed() {
		return nil
	}
	outcome := database.CallOutcome{
		MessageID:        rec.MessageID,
		ChargePointID:    rec.ChargerID,
		ConnectorID:      rec.ConnectorID,
		Action:           rec.Action,
		Success:          rec.Success,
		Status:           rec.Status,
		ErrorCode:        rec.ErrorCode,
		ErrorDescription: rec.ErrorDescription,
		RequestedAt:      rec.RequestedAt,
		ReceivedAt:       rec.ReceivedAt,
	}

	l.mutex.Lock()
	l.outcomeQueue = append(l.outcomeQueue, outcome)
	full := l.queueFull()
	l.mutex.Unlock()

	if full {
		l.requestFlush()
	}
	return nil
}

// Close stops the periodic flush and writes any remaining entries. Entries
// logged after Close are dropped.
func (l *DatabaseMessageLogger) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
	l.Flush()
	return nil
}
