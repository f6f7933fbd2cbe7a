package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Sink persists write-audit events out of process: durably to Dgraph and
// as a pub/sub notification over NATS, adapted wholesale from the
// teacher's internal/policy/audit.go AuditLogger (async buffered
// channel + processEvents goroutine + persistEvent fan-out). It is wired
// into a Multiplexer as one ordinary ListenerFunc, not a special case —
// the engine core has no notion of "the persisted sink", only listeners.
type Sink struct {
	dgraph *dgo.Dgraph
	nats   *nats.Conn
	logger *zap.Logger

	events chan auditRecord
	done   chan struct{}
}

type auditRecord struct {
	ID        string
	Timestamp time.Time
	ASG       string
	User      string
	Host      string
	TypeCode  int
	Trap      bool
}

// NewSink starts the background persistence goroutine. dgraph/nats may be
// nil, in which case that leg of persistence is skipped but the other
// still runs (matching the teacher's tolerance for a partially-configured
// backing store).
func NewSink(dgraph *dgo.Dgraph, natsConn *nats.Conn, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sink{
		dgraph: dgraph,
		nats:   natsConn,
		logger: logger.Named("audit_sink"),
		events: make(chan auditRecord, 1000),
		done:   make(chan struct{}),
	}
	go s.processEvents()
	return s
}

// Listener returns the ListenerFunc form the Sink registers with a
// Multiplexer. It only acts on PhaseAfter (a write that did not complete
// is not audited), matching TRAPWRITE's intent of auditing completed
// mutations.
func (s *Sink) Listener(asgName string, trap bool) ListenerFunc {
	return func(msg *Message, phase Phase) {
		if phase != PhaseAfter {
			return
		}
		select {
		case s.events <- auditRecord{
			ID:        msg.ID,
			Timestamp: time.Now(),
			ASG:       asgName,
			User:      msg.Identity.User,
			Host:      msg.Identity.Host,
			TypeCode:  msg.TypeCode,
			Trap:      trap,
		}:
		default:
			s.logger.Warn("audit event dropped, buffer full", zap.String("asg", asgName))
		}
	}
}

func (s *Sink) processEvents() {
	for {
		select {
		case rec := <-s.events:
			s.persist(rec)
		case <-s.done:
			return
		}
	}
}

func (s *Sink) persist(rec auditRecord) {
	s.logger.Info("AUDIT",
		zap.String("id", rec.ID),
		zap.String("asg", rec.ASG),
		zap.String("user", rec.User),
		zap.String("host", rec.Host),
		zap.Int("type_code", rec.TypeCode),
		zap.Bool("trap", rec.Trap))

	if s.dgraph != nil {
		s.saveToDgraph(rec)
	}
	if s.nats != nil {
		s.publishToNATS(rec)
	}
}

func (s *Sink) saveToDgraph(rec auditRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nquads := fmt.Sprintf(`
		_:audit <asg> %q .
		_:audit <user> %q .
		_:audit <host> %q .
		_:audit <type_code> "%d" .
		_:audit <trap> "%t" .
		_:audit <event_id> %q .
	`, rec.ASG, rec.User, rec.Host, rec.TypeCode, rec.Trap, rec.ID)

	txn := s.dgraph.NewTxn()
	defer txn.Discard(ctx)
	_, err := txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(nquads), CommitNow: true})
	if err != nil {
		s.logger.Warn("failed to persist audit event to dgraph", zap.Error(err), zap.String("id", rec.ID))
	}
}

func (s *Sink) publishToNATS(rec auditRecord) {
	subject := fmt.Sprintf("audit.%s.write", rec.ASG)
	payload := fmt.Sprintf(`{"id":%q,"asg":%q,"user":%q,"host":%q,"type_code":%d,"trap":%t}`,
		rec.ID, rec.ASG, rec.User, rec.Host, rec.TypeCode, rec.Trap)
	if err := s.nats.Publish(subject, []byte(payload)); err != nil {
		s.logger.Warn("failed to publish audit event to NATS", zap.Error(err), zap.String("id", rec.ID))
	}
}

// Close stops the background goroutine.
func (s *Sink) Close() {
	close(s.done)
}
