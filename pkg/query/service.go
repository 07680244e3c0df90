// Package query runs the question-to-result pipeline: SQL generation,
// classification, mode policy, confirmation and execution.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cloudbro-kube-ai/querypilot/pkg/ai"
	"github.com/cloudbro-kube-ai/querypilot/pkg/datasource"
	"github.com/cloudbro-kube-ai/querypilot/pkg/db"
	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
	"github.com/cloudbro-kube-ai/querypilot/pkg/safety"
)

// Input messages.
const (
	MsgQuestionRequired     = "Question and database are required"
	MsgSQLRequired          = "SQL query and database are required"
	MsgConversationRequired = "conversationId is required"
)

// Connections looks up an open target database. *datasource.Manager
// satisfies it.
type Connections interface {
	Get(name string) (datasource.Adapter, bool)
}

// Recorder persists pipeline outcomes. *db.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, e db.HistoryEntry) error
}

// Options configures a Service. Zero values select the defaults.
type Options struct {
	DefaultMode safety.Mode
	// AutoSchema describes the target database for the generator when a
	// request carries no schema hint.
	AutoSchema bool
	// BindConfirmations only lets ExecuteConfirmed run SQL that is pending
	// in the same conversation.
	BindConfirmations bool
	// PendingTTL drops proposals nobody answered within this long. Zero
	// keeps them until they are confirmed, cancelled or forgotten.
	PendingTTL time.Duration

	Classifier safety.Classifier
	Policy     *safety.Policy
	History    Recorder
}

// GenerateRequest asks for a question to be answered with SQL.
type GenerateRequest struct {
	Question       string          `json:"question"`
	TargetDatabase string          `json:"database"`
	SchemaHint     json.RawMessage `json:"schema,omitempty"`
	Mode           string          `json:"mode,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
}

// ConfirmedRequest runs SQL the user accepted.
type ConfirmedRequest struct {
	SQL            string `json:"sql"`
	TargetDatabase string `json:"database"`
	ConversationID string `json:"conversationId,omitempty"`
}

type ValidateRequest struct {
	SQL            string `json:"sql"`
	TargetDatabase string `json:"database"`
	Mode           string `json:"mode,omitempty"`
}

// Response is an Outcome plus the confirmation fields. When
// RequiresConfirmation is set nothing was executed, Rows is empty, and the
// sql field holds the exact text to resend to ExecuteConfirmed. The
// pretty-printed form is then in DisplaySQL.
type Response struct {
	Outcome
	RequiresConfirmation bool          `json:"requiresConfirmation"`
	DisplaySQL           string        `json:"formattedSql,omitempty"`
	PendingQuery         *PendingQuery `json:"pendingQuery,omitempty"`
	PendingID            string        `json:"pendingId,omitempty"`
	ConversationID       string        `json:"conversationId,omitempty"`
}

// Service is safe for concurrent use.
type Service struct {
	conns      Connections
	gen        ai.Generator
	classifier safety.Classifier
	policy     *safety.Policy
	confirms   *ConfirmationStore
	history    Recorder
	opts       Options
}

func NewService(conns Connections, gen ai.Generator, opts Options) *Service {
	if !opts.DefaultMode.Valid() {
		opts.DefaultMode = safety.ModeReadOnly
	}
	s := &Service{
		conns:      conns,
		gen:        gen,
		classifier: opts.Classifier,
		policy:     opts.Policy,
		confirms:   NewConfirmationStore(),
		history:    opts.History,
		opts:       opts,
	}
	if s.classifier == nil {
		s.classifier = safety.DefaultClassifier
	}
	if s.policy == nil {
		s.policy = safety.NewDefaultPolicy()
	}
	return s
}

// Confirmations exposes the per-conversation confirmation state.
func (s *Service) Confirmations() *ConfirmationStore {
	return s.confirms
}

func (s *Service) mode(requested string) safety.Mode {
	if requested == "" {
		return s.opts.DefaultMode
	}
	return safety.ParseMode(requested)
}

func (s *Service) adapter(name string) (datasource.Adapter, error) {
	if s.conns != nil {
		if a, ok := s.conns.Get(name); ok {
			return a, nil
		}
	}
	return nil, &NotConnectedError{Database: name}
}

// GenerateAndMaybeExecute generates SQL for the question, then rejects it,
// holds it for confirmation, or executes it, depending on the mode.
func (s *Service) GenerateAndMaybeExecute(ctx context.Context, req GenerateRequest) (*Response, error) {
	if req.Question == "" || req.TargetDatabase == "" {
		return nil, &InputError{Msg: MsgQuestionRequired}
	}
	mode := s.mode(req.Mode)
	if !mode.Valid() {
		return nil, &PolicyViolation{Errors: []string{safety.MsgInvalidMode}}
	}

	adapter, err := s.adapter(req.TargetDatabase)
	if err != nil {
		return nil, err
	}

	sql, err := s.gen.GenerateSQL(ctx, req.Question, string(adapter.Kind()), s.schemaFor(ctx, adapter, req.SchemaHint))
	if err != nil {
		s.record(ctx, db.HistoryEntry{
			ConversationID: req.ConversationID, TargetDatabase: req.TargetDatabase, Question: req.Question,
			Mode: string(mode), Status: db.StatusFailed, ErrorMsg: err.Error(),
		})
		return nil, &GenerationError{Err: err}
	}

	stmt, verdict := s.policy.Check(s.classifier, sql, mode)
	entry := db.HistoryEntry{
		ConversationID: req.ConversationID,
		TargetDatabase: req.TargetDatabase,
		Question:       req.Question,
		SQL:            sql,
		Mode:           string(mode),
		QueryType:      stmt.QueryType,
	}

	if !verdict.Valid {
		entry.Status = db.StatusRejected
		entry.ErrorMsg = (&PolicyViolation{Errors: verdict.Errors}).Error()
		s.record(ctx, entry)
		log.Infof("rejected %s query in %s mode: %v", stmt.QueryType, mode, verdict.Errors)
		return nil, &PolicyViolation{SQL: sql, QueryType: verdict.QueryType, Errors: verdict.Errors}
	}

	if verdict.RequiresConfirmation {
		convID := req.ConversationID
		if convID == "" {
			convID = uuid.NewString()
		}
		if s.opts.PendingTTL > 0 {
			if n := s.confirms.Expire(time.Now().Add(-s.opts.PendingTTL)); n > 0 {
				log.Debugf("expired %d unanswered confirmations", n)
			}
		}
		pending := s.confirms.Propose(convID, PendingQuery{
			SQL:            sql,
			TargetDatabase: req.TargetDatabase,
			QueryType:      verdict.QueryType,
			Question:       req.Question,
		})
		entry.ConversationID = convID
		entry.Status = db.StatusPending
		s.record(ctx, entry)
		return &Response{
			Outcome: Outcome{
				FormattedSQL: sql,
				RawSQL:       sql,
				Rows:         []datasource.Row{},
				QueryType:    verdict.QueryType,
			},
			RequiresConfirmation: true,
			DisplaySQL:           safety.FormatOrRaw(sql),
			PendingQuery:         &pending,
			PendingID:            pending.ID,
			ConversationID:       convID,
		}, nil
	}

	out, err := s.execute(ctx, adapter, stmt, entry)
	if err != nil {
		return nil, err
	}
	return &Response{Outcome: out, ConversationID: req.ConversationID}, nil
}

// schemaFor picks the schema passed to the generator: the request's hint,
// else a fresh description of the database when AutoSchema is on.
func (s *Service) schemaFor(ctx context.Context, adapter datasource.Adapter, hint json.RawMessage) any {
	if len(hint) > 0 && string(hint) != "null" {
		return hint
	}
	if !s.opts.AutoSchema {
		return nil
	}
	schema, err := adapter.DescribeSchema(ctx)
	if err != nil {
		log.Warnf("describe %s schema: %v", adapter.Kind(), err)
		return nil
	}
	return schema
}

// ExecuteConfirmed runs SQL the user accepted. The mode policy is not
// consulted. With BindConfirmations the SQL and target must match the
// conversation's pending query exactly (the formatted form is accepted
// too).
func (s *Service) ExecuteConfirmed(ctx context.Context, req ConfirmedRequest) (*Response, error) {
	if req.SQL == "" || req.TargetDatabase == "" {
		return nil, &InputError{Msg: MsgSQLRequired}
	}
	if s.opts.BindConfirmations && req.ConversationID == "" {
		return nil, &InputError{Msg: MsgConversationRequired}
	}

	adapter, err := s.adapter(req.TargetDatabase)
	if err != nil {
		return nil, err
	}

	sql := req.SQL
	entry := db.HistoryEntry{ConversationID: req.ConversationID, TargetDatabase: req.TargetDatabase}

	if c, ok := s.confirms.Lookup(req.ConversationID); ok && req.ConversationID != "" {
		if p, pending := c.Pending(); pending && req.SQL == safety.FormatOrRaw(p.SQL) {
			sql = p.SQL
		}
		accepted, err := c.Accept(sql, req.TargetDatabase)
		switch {
		case err == nil:
			entry.Question = accepted.Question
			s.confirms.Release(req.ConversationID)
		case s.opts.BindConfirmations:
			return nil, err
		}
	} else if s.opts.BindConfirmations {
		return nil, ErrNoPendingQuery
	}

	stmt := s.classifier.Classify(sql)
	entry.SQL = sql
	entry.QueryType = stmt.QueryType

	out, err := s.execute(ctx, adapter, stmt, entry)
	if err != nil {
		return nil, err
	}
	return &Response{Outcome: out, ConversationID: req.ConversationID}, nil
}

// Cancel declines the conversation's pending query.
func (s *Service) Cancel(ctx context.Context, conversationID string) (PendingQuery, error) {
	if conversationID == "" {
		return PendingQuery{}, &InputError{Msg: MsgConversationRequired}
	}
	c, ok := s.confirms.Lookup(conversationID)
	if !ok {
		return PendingQuery{}, ErrNoPendingQuery
	}
	q, err := c.Cancel()
	if err != nil {
		return PendingQuery{}, err
	}
	s.confirms.Release(conversationID)
	s.record(ctx, db.HistoryEntry{
		ConversationID: conversationID, TargetDatabase: q.TargetDatabase, Question: q.Question,
		SQL: q.SQL, QueryType: q.QueryType, Status: db.StatusCancelled,
	})
	return q, nil
}

// Validate classifies and evaluates sql without executing it.
func (s *Service) Validate(req ValidateRequest) (safety.Verdict, error) {
	if req.SQL == "" || req.TargetDatabase == "" {
		return safety.Verdict{}, &InputError{Msg: MsgSQLRequired}
	}
	_, verdict := s.policy.Check(s.classifier, req.SQL, s.mode(req.Mode))
	return verdict, nil
}

func (s *Service) execute(ctx context.Context, adapter datasource.Adapter, stmt safety.Statement, entry db.HistoryEntry) (Outcome, error) {
	start := time.Now()
	result, err := adapter.Execute(ctx, stmt.Raw)
	if err != nil {
		entry.Status = db.StatusFailed
		entry.ErrorMsg = err.Error()
		s.record(ctx, entry)
		return Outcome{}, &ExecutionError{SQL: stmt.Raw, Err: err}
	}

	out := Normalize(ctx, result, stmt, adapter)
	log.Debugf("%s on %s: %d rows in %s", stmt.QueryType, adapter.Kind(), out.RowCount, time.Since(start))

	entry.Status = db.StatusExecuted
	entry.RowCount = out.RowCount
	entry.AffectedRows = out.AffectedRowCount
	s.record(ctx, entry)
	return out, nil
}

func (s *Service) record(ctx context.Context, e db.HistoryEntry) {
	if s.history == nil {
		return
	}
	// History rows are written even after the request context is done.
	if err := s.history.Record(context.WithoutCancel(ctx), e); err != nil {
		log.Warnf("history: %v", err)
	}
}

// IsInputError reports whether err is a request validation failure.
func IsInputError(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}
