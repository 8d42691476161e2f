package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/live-support/backend/internal/model/chat"
)

//go:embed schema.sql
var schemaSQL string

const notifyChannel = "chat_changes"

const (
	sessionColumns = `session_id, name, email, is_online, last_seen, created_at`
	messageColumns = `id, session_id, text, sender, status, reply_to_id, user_name, created_at`
)

// Postgres persists chat state in PostgreSQL and turns row triggers into
// change events through LISTEN/NOTIFY.
type Postgres struct {
	db       *sql.DB
	listener *pq.Listener
	broker   *broker
	logger   logrus.FieldLogger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewPostgres opens the database, applies the schema and starts the change feed.
func NewPostgres(ctx context.Context, dsn string, logger logrus.FieldLogger) (*Postgres, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	schemaCtx, cancelSchema := context.WithTimeout(ctx, 30*time.Second)
	defer cancelSchema()
	if _, err := conn.ExecContext(schemaCtx, schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger = logger.WithField("component", "store.postgres")

	listener := pq.NewListener(dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.WithError(err).Warn("change feed listener event")
		}
	})
	if err := listener.Listen(notifyChannel); err != nil {
		listener.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", notifyChannel, err)
	}

	p := &Postgres{
		db:       conn,
		listener: listener,
		broker:   newBroker(defaultSubscriptionBuffer),
		logger:   logger,
		done:     make(chan struct{}),
	}

	p.wg.Add(1)
	go p.dispatch()

	logger.Info("connected to PostgreSQL chat store")
	return p, nil
}

// notification is the JSON payload emitted by chat_notify_change().
type notification struct {
	Table     string `json:"table"`
	Op        string `json:"op"`
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
}

func parseNotification(payload string) (notification, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.ID == "" {
		return notification{}, errors.New("decode notification: missing id")
	}
	switch n.Table {
	case chat.TableMessages, chat.TableSessions:
	default:
		return notification{}, fmt.Errorf("decode notification: unknown table %q", n.Table)
	}
	switch chat.EventKind(n.Op) {
	case chat.EventInsert, chat.EventUpdate:
	default:
		return notification{}, fmt.Errorf("decode notification: unknown op %q", n.Op)
	}
	return n, nil
}

func (p *Postgres) dispatch() {
	defer p.wg.Done()

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ping.C:
			go func() {
				if err := p.listener.Ping(); err != nil {
					p.logger.WithError(err).Warn("change feed ping failed")
				}
			}()
		case n, ok := <-p.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected: anything sent while disconnected is lost.
				p.logger.Warn("change feed reconnected, interrupting subscribers")
				p.broker.interrupt(ErrFeedInterrupted)
				continue
			}
			p.handleNotification(n.Extra)
		}
	}
}

func (p *Postgres) handleNotification(payload string) {
	n, err := parseNotification(payload)
	if err != nil {
		p.logger.WithError(err).Warn("ignoring change notification")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	kind := chat.EventKind(n.Op)
	switch n.Table {
	case chat.TableMessages:
		msg, err := p.getMessage(ctx, n.ID)
		if err != nil {
			p.logger.WithError(err).WithField("message_id", n.ID).Warn("failed to load changed message")
			return
		}
		p.broker.publish(chat.MessageEvent(kind, msg))
	case chat.TableSessions:
		session, err := p.GetSession(ctx, n.ID)
		if err != nil {
			p.logger.WithError(err).WithField("session_id", n.ID).Warn("failed to load changed session")
			return
		}
		p.broker.publish(chat.SessionEvent(kind, session))
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (chat.Session, error) {
	var s chat.Session
	if err := row.Scan(&s.ID, &s.Name, &s.Email, &s.IsOnline, &s.LastSeen, &s.CreatedAt); err != nil {
		return chat.Session{}, err
	}
	s.LastSeen = s.LastSeen.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		msg     chat.Message
		sender  string
		status  string
		replyTo sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Text, &sender, &status, &replyTo, &msg.UserName, &msg.CreatedAt); err != nil {
		return chat.Message{}, err
	}

	var err error
	if msg.Sender, err = chat.ParseSender(sender); err != nil {
		return chat.Message{}, err
	}
	if msg.Status, err = chat.ParseStatus(status); err != nil {
		return chat.Message{}, err
	}
	msg.ReplyToID = replyTo.String
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// GetSession retrieves a session by identifier.
func (p *Postgres) GetSession(ctx context.Context, id string) (chat.Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE session_id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// CreateSession inserts a new session record.
func (p *Postgres) CreateSession(ctx context.Context, session chat.Session) (chat.Session, error) {
	if session.ID == "" {
		return chat.Session{}, fmt.Errorf("create session: %w", ErrSessionNotFound)
	}
	if session.Name == "" {
		session.Name = chat.AnonymousName
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastSeen.IsZero() {
		session.LastSeen = now
	}

	query := `
		INSERT INTO chat_sessions (session_id, name, email, is_online, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + sessionColumns

	row := p.db.QueryRowContext(ctx, query, session.ID, session.Name, session.Email, session.IsOnline, session.LastSeen, session.CreatedAt)
	created, err := scanSession(row)
	if isUniqueViolation(err) {
		return chat.Session{}, ErrSessionExists
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return created, nil
}

// UpdateSession applies presence and profile changes.
func (p *Postgres) UpdateSession(ctx context.Context, id string, update SessionUpdate) (chat.Session, error) {
	lastSeen := update.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now().UTC()
	}

	var online sql.NullBool
	if update.IsOnline != nil {
		online = sql.NullBool{Bool: *update.IsOnline, Valid: true}
	}

	query := `
		UPDATE chat_sessions SET
			is_online = COALESCE($2::boolean, is_online),
			name = COALESCE(NULLIF($3, ''), name),
			email = COALESCE(NULLIF($4, ''), email),
			last_seen = $5
		WHERE session_id = $1
		RETURNING ` + sessionColumns

	row := p.db.QueryRowContext(ctx, query, id, online, update.Name, update.Email, lastSeen)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("failed to update session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions in creation order.
func (p *Postgres) ListSessions(ctx context.Context, onlineOnly bool) ([]chat.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions`
	if onlineOnly {
		query += ` WHERE is_online`
	}
	query += ` ORDER BY created_at, session_id`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []chat.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// InsertMessage appends a message to the session history.
func (p *Postgres) InsertMessage(ctx context.Context, msg chat.Message) (chat.Message, error) {
	if err := validateMessage(msg); err != nil {
		return chat.Message{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var replyTo sql.NullString
	if msg.ReplyToID != "" {
		replyTo = sql.NullString{String: msg.ReplyToID, Valid: true}
	}

	// created_at never goes backwards within a session.
	query := `
		INSERT INTO chat_messages (id, session_id, text, sender, status, reply_to_id, user_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			GREATEST($8::timestamptz, COALESCE((SELECT max(created_at) FROM chat_messages WHERE session_id = $2), $8::timestamptz)))
		RETURNING ` + messageColumns

	row := p.db.QueryRowContext(ctx, query,
		msg.ID, msg.SessionID, msg.Text, msg.Sender.String(), msg.Status.String(), replyTo, msg.UserName, msg.CreatedAt)
	inserted, err := scanMessage(row)
	if isForeignKeyViolation(err) {
		return chat.Message{}, ErrSessionNotFound
	}
	if isUniqueViolation(err) {
		return chat.Message{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidMessage, msg.ID)
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return inserted, nil
}

// UpdateMessageStatus advances a message status, ignoring backward moves.
func (p *Postgres) UpdateMessageStatus(ctx context.Context, id string, status chat.Status) (chat.Message, bool, error) {
	if !status.Valid() {
		return chat.Message{}, false, fmt.Errorf("invalid status %d", status)
	}

	query := `
		UPDATE chat_messages SET status = $2
		WHERE id = $1
		  AND (CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 ELSE 3 END) < $3
		RETURNING ` + messageColumns

	row := p.db.QueryRowContext(ctx, query, id, status.String(), int(status))
	updated, err := scanMessage(row)
	if err == nil {
		return updated, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, false, fmt.Errorf("failed to update message status: %w", err)
	}

	current, err := p.getMessage(ctx, id)
	if err != nil {
		return chat.Message{}, false, err
	}
	return current, false, nil
}

func (p *Postgres) getMessage(ctx context.Context, id string) (chat.Message, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, ErrMessageNotFound
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the session history in insertion order.
func (p *Postgres) ListMessages(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if _, err := p.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0, 16)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Subscribe registers for change events; the subscription ends with ctx.
func (p *Postgres) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	sub, err := p.broker.subscribe(filter)
	if err != nil {
		return nil, err
	}
	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

// Close stops the change feed and closes the connection pool.
func (p *Postgres) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		p.broker.close()
		err = errors.Join(p.listener.Close(), p.db.Close())
		p.wg.Wait()
	})
	return err
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pqCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pqCode(err) == "23503"
}
