package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/poliport/poliport/pkg/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting every query run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	q  querier
}

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db, q: db}, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT,
			full_name TEXT,
			access_token TEXT,
			refresh_token TEXT,
			access_token_expires_at TIMESTAMPTZ,
			refresh_token_expires_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions (expires_at) WHERE deleted_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_deleted ON sessions (deleted_at) WHERE deleted_at IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			session_token TEXT,
			participant_id TEXT,
			tenant_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			last_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations (session_token)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_participant ON conversations (participant_id)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (user_id, tenant_id)
		)`,
		`CREATE TABLE IF NOT EXISTS proposal_tracking (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			session_token TEXT,
			participant_id TEXT,
			is_processed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_unprocessed ON proposal_tracking (created_at) WHERE NOT is_processed`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Sessions() SessionStore           { return &pgSessions{q: s.q} }
func (s *PostgresStore) Conversations() ConversationStore { return &pgConversations{q: s.q} }
func (s *PostgresStore) Participants() ParticipantStore   { return &pgParticipants{q: s.q} }
func (s *PostgresStore) Proposals() ProposalStore         { return &pgProposals{q: s.q} }

// Tx runs fn inside a database transaction.
func (s *PostgresStore) Tx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() //nolint:errcheck // Rollback after commit returns ErrTxDone which is expected
	}()

	if err := fn(&PostgresStore{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type pgSessions struct {
	q querier
}

const sessionColumns = `token, tenant_id, user_id, full_name, access_token, refresh_token,
	access_token_expires_at, refresh_token_expires_at, expires_at, created_at, deleted_at`

func (s *pgSessions) Create(ctx context.Context, session *models.Session) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		session.Token,
		session.TenantID,
		nullString(session.UserID),
		nullString(session.FullName),
		nullString(session.AccessToken),
		nullString(session.RefreshToken),
		nullTime(session.AccessTokenExpiresAt),
		nullTime(session.RefreshTokenExpiresAt),
		session.ExpiresAt,
		session.CreatedAt,
		session.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *pgSessions) GetByToken(ctx context.Context, token string) (*models.Session, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE token = $1 AND deleted_at IS NULL
	`, token)
	return scanSession(row)
}

func (s *pgSessions) Update(ctx context.Context, session *models.Session) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE sessions SET
			user_id = $1, full_name = $2, access_token = $3, refresh_token = $4,
			access_token_expires_at = $5, refresh_token_expires_at = $6, expires_at = $7
		WHERE token = $8
	`,
		nullString(session.UserID),
		nullString(session.FullName),
		nullString(session.AccessToken),
		nullString(session.RefreshToken),
		nullTime(session.AccessTokenExpiresAt),
		nullTime(session.RefreshTokenExpiresAt),
		session.ExpiresAt,
		session.Token,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRows(result)
}

func (s *pgSessions) SoftDelete(ctx context.Context, token string, at time.Time) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE sessions SET deleted_at = $1 WHERE token = $2 AND deleted_at IS NULL
	`, at, token)
	if err != nil {
		return fmt.Errorf("soft delete session: %w", err)
	}
	// Already soft-deleted rows are not an error; the sweep is idempotent.
	_ = result
	return nil
}

func (s *pgSessions) ListExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT token FROM sessions
		WHERE expires_at < $1 AND deleted_at IS NULL
		ORDER BY token
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return scanTokens(rows)
}

func (s *pgSessions) ListSoftDeletedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT token FROM sessions
		WHERE deleted_at IS NOT NULL AND deleted_at < $1
		ORDER BY token
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list soft-deleted sessions: %w", err)
	}
	return scanTokens(rows)
}

func (s *pgSessions) HardDelete(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `
		DELETE FROM sessions WHERE token = ANY($1)
	`, pq.Array(tokens))
	if err != nil {
		return fmt.Errorf("hard delete sessions: %w", err)
	}
	return nil
}

type pgConversations struct {
	q querier
}

const conversationColumns = `id, external_id, session_token, participant_id, tenant_id,
	title, last_message, created_at, updated_at, deleted_at`

func (s *pgConversations) Create(ctx context.Context, conv *models.Conversation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		conv.ID,
		conv.ExternalID,
		nullString(conv.SessionToken),
		nullString(conv.ParticipantID),
		conv.TenantID,
		conv.Title,
		conv.LastMessage,
		conv.CreatedAt,
		conv.UpdatedAt,
		conv.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *pgConversations) GetByExternalID(ctx context.Context, externalID string) (*models.Conversation, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE external_id = $1 AND deleted_at IS NULL
	`, externalID)
	return scanConversation(row)
}

func (s *pgConversations) Update(ctx context.Context, conv *models.Conversation) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE conversations SET
			session_token = $1, participant_id = $2, title = $3,
			last_message = $4, updated_at = $5
		WHERE external_id = $6
	`,
		nullString(conv.SessionToken),
		nullString(conv.ParticipantID),
		conv.Title,
		conv.LastMessage,
		conv.UpdatedAt,
		conv.ExternalID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return requireRows(result)
}

func (s *pgConversations) ListBySession(ctx context.Context, sessionToken string) ([]*models.Conversation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE session_token = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC
	`, sessionToken)
	if err != nil {
		return nil, fmt.Errorf("list conversations by session: %w", err)
	}
	return scanConversations(rows)
}

func (s *pgConversations) ListByParticipant(ctx context.Context, participantID string) ([]*models.Conversation, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE participant_id = $1 AND deleted_at IS NULL
		ORDER BY updated_at DESC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list conversations by participant: %w", err)
	}
	return scanConversations(rows)
}

func (s *pgConversations) MigrateSessionToParticipant(ctx context.Context, sessionToken, participantID string) (int, error) {
	result, err := s.q.ExecContext(ctx, `
		UPDATE conversations SET participant_id = $1, updated_at = $2
		WHERE session_token = $3 AND participant_id IS NULL AND deleted_at IS NULL
	`, participantID, time.Now(), sessionToken)
	if err != nil {
		return 0, fmt.Errorf("migrate conversations: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(rows), nil
}

func (s *pgConversations) NullSessionRefs(ctx context.Context, sessionTokens []string) error {
	if len(sessionTokens) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE conversations SET session_token = NULL
		WHERE session_token = ANY($1)
	`, pq.Array(sessionTokens))
	if err != nil {
		return fmt.Errorf("null session refs: %w", err)
	}
	return nil
}

func (s *pgConversations) SoftDelete(ctx context.Context, externalID string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE conversations SET deleted_at = $1
		WHERE external_id = $2 AND deleted_at IS NULL
	`, at, externalID)
	if err != nil {
		return fmt.Errorf("soft delete conversation: %w", err)
	}
	return nil
}

type pgParticipants struct {
	q querier
}

// FindOrCreate upserts the (user, tenant) pair atomically so concurrent
// logins from two devices resolve to the same participant row.
func (s *pgParticipants) FindOrCreate(ctx context.Context, userID, tenantID string) (*models.Participant, error) {
	p := &models.Participant{}
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO participants (id, user_id, tenant_id, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, tenant_id) DO UPDATE SET user_id = participants.user_id
		RETURNING id, user_id, tenant_id, created_at
	`, newID(), userID, tenantID, time.Now()).Scan(&p.ID, &p.UserID, &p.TenantID, &p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("find or create participant: %w", err)
	}
	return p, nil
}

type pgProposals struct {
	q querier
}

func (s *pgProposals) Create(ctx context.Context, p *models.ProposalTracking) error {
	if p.ID == "" {
		p.ID = newID()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO proposal_tracking
			(id, proposal_id, conversation_id, session_token, participant_id, is_processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		p.ID,
		p.ProposalID,
		p.ConversationID,
		nullString(p.SessionToken),
		nullString(p.ParticipantID),
		p.IsProcessed,
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create proposal tracking: %w", err)
	}
	return nil
}

func (s *pgProposals) ListUnprocessed(ctx context.Context, limit int) ([]*models.ProposalTracking, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, proposal_id, conversation_id, session_token, participant_id, is_processed, created_at
		FROM proposal_tracking
		WHERE NOT is_processed
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed proposals: %w", err)
	}
	defer rows.Close()

	var out []*models.ProposalTracking
	for rows.Next() {
		p := &models.ProposalTracking{}
		var sessionToken, participantID sql.NullString
		if err := rows.Scan(&p.ID, &p.ProposalID, &p.ConversationID, &sessionToken, &participantID, &p.IsProcessed, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		p.SessionToken = sessionToken.String
		p.ParticipantID = participantID.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *pgProposals) MarkProcessed(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE proposal_tracking SET is_processed = TRUE WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark proposal processed: %w", err)
	}
	return requireRows(result)
}

func scanSession(row *sql.Row) (*models.Session, error) {
	s := &models.Session{}
	var userID, fullName, accessToken, refreshToken sql.NullString
	var accessExp, refreshExp, deletedAt sql.NullTime

	err := row.Scan(
		&s.Token, &s.TenantID, &userID, &fullName, &accessToken, &refreshToken,
		&accessExp, &refreshExp, &s.ExpiresAt, &s.CreatedAt, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}

	s.UserID = userID.String
	s.FullName = fullName.String
	s.AccessToken = accessToken.String
	s.RefreshToken = refreshToken.String
	if accessExp.Valid {
		s.AccessTokenExpiresAt = accessExp.Time
	}
	if refreshExp.Valid {
		s.RefreshTokenExpiresAt = refreshExp.Time
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		s.DeletedAt = &t
	}
	return s, nil
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	c := &models.Conversation{}
	var sessionToken, participantID sql.NullString
	var deletedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.ExternalID, &sessionToken, &participantID, &c.TenantID,
		&c.Title, &c.LastMessage, &c.CreatedAt, &c.UpdatedAt, &deletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}

	c.SessionToken = sessionToken.String
	c.ParticipantID = participantID.String
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return c, nil
}

func scanConversations(rows *sql.Rows) ([]*models.Conversation, error) {
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		c := &models.Conversation{}
		var sessionToken, participantID sql.NullString
		var deletedAt sql.NullTime

		if err := rows.Scan(
			&c.ID, &c.ExternalID, &sessionToken, &participantID, &c.TenantID,
			&c.Title, &c.LastMessage, &c.CreatedAt, &c.UpdatedAt, &deletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.SessionToken = sessionToken.String
		c.ParticipantID = participantID.String
		if deletedAt.Valid {
			t := deletedAt.Time
			c.DeletedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanTokens(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func requireRows(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// newID generates a unique UUID.
func newID() string {
	return uuid.NewString()
}
