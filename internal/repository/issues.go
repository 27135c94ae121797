package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"sentinel/internal/models"
)

const issueColumns = `id, kind, status, contact_id, phone, conversation_id, created_ts, due_ts,
	resolved_ts, breach_notified_ts, breach_claim_ts, gated_ts, first_inbound_ts, last_inbound_ts,
	inbound_count, outbound_count, meta`

type issueRow struct {
	ID               int64          `db:"id"`
	Kind             string         `db:"kind"`
	Status           string         `db:"status"`
	ContactID        string         `db:"contact_id"`
	Phone            string         `db:"phone"`
	ConversationID   sql.NullString `db:"conversation_id"`
	CreatedTS        string         `db:"created_ts"`
	DueTS            string         `db:"due_ts"`
	ResolvedTS       sql.NullString `db:"resolved_ts"`
	BreachNotifiedTS sql.NullString `db:"breach_notified_ts"`
	BreachClaimTS    sql.NullString `db:"breach_claim_ts"`
	GatedTS          sql.NullString `db:"gated_ts"`
	FirstInboundTS   sql.NullString `db:"first_inbound_ts"`
	LastInboundTS    sql.NullString `db:"last_inbound_ts"`
	InboundCount     int            `db:"inbound_count"`
	OutboundCount    int            `db:"outbound_count"`
	Meta             string         `db:"meta"`
}

func (r issueRow) toModel() models.Issue {
	issue := models.Issue{
		ID:               r.ID,
		Kind:             models.Kind(r.Kind),
		Status:           models.Status(r.Status),
		ContactID:        r.ContactID,
		Phone:            r.Phone,
		ConversationID:   r.ConversationID.String,
		CreatedTS:        parseTS(r.CreatedTS),
		DueTS:            parseTS(r.DueTS),
		ResolvedTS:       parseNullTS(r.ResolvedTS),
		BreachNotifiedTS: parseNullTS(r.BreachNotifiedTS),
		BreachClaimTS:    parseNullTS(r.BreachClaimTS),
		GatedTS:          parseNullTS(r.GatedTS),
		FirstInboundTS:   parseNullTS(r.FirstInboundTS),
		LastInboundTS:    parseNullTS(r.LastInboundTS),
		InboundCount:     r.InboundCount,
		OutboundCount:    r.OutboundCount,
	}
	if r.Meta != "" {
		if err := json.Unmarshal([]byte(r.Meta), &issue.Meta); err != nil {
			log.Warn().Err(err).Int64("issueID", r.ID).Msg("Ignoring unreadable issue meta")
		}
	}
	return issue
}

func toModels(rows []issueRow) []models.Issue {
	out := make([]models.Issue, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

// CreateIssue inserts a new issue and sets its ID.
// It returns ErrActiveIssueExists when the same conversation (or phone, when the conversation
// is unknown) already has a PENDING or OPEN issue of the same kind.
func (s *Store) CreateIssue(ctx context.Context, issue *models.Issue) error {
	existing, err := s.FindActiveIssue(ctx, issue.Kind, issue.ConversationID, issue.Phone)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrActiveIssueExists
	}

	meta, err := json.Marshal(issue.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode issue meta: %w", err)
	}

	query := s.db.Rebind(`INSERT INTO issues (kind, status, contact_id, phone, conversation_id,
		created_ts, due_ts, first_inbound_ts, last_inbound_ts, inbound_count, outbound_count, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err = s.db.QueryRowxContext(ctx, query,
		issue.Kind, issue.Status, issue.ContactID, issue.Phone, nullString(issue.ConversationID),
		formatTS(issue.CreatedTS), formatTS(issue.DueTS), nullTS(issue.FirstInboundTS), nullTS(issue.LastInboundTS),
		issue.InboundCount, issue.OutboundCount, string(meta),
	).Scan(&issue.ID)
	if err != nil {
		// Lost a race against a concurrent insert guarded by the partial unique index.
		if existing, findErr := s.FindActiveIssue(ctx, issue.Kind, issue.ConversationID, issue.Phone); findErr == nil && existing != nil {
			return ErrActiveIssueExists
		}
		return fmt.Errorf("failed to insert issue: %w", err)
	}
	return nil
}

// GetIssue loads one issue by id.
func (s *Store) GetIssue(ctx context.Context, id int64) (*models.Issue, error) {
	var row issueRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+issueColumns+` FROM issues WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load issue %d: %w", id, err)
	}
	issue := row.toModel()
	return &issue, nil
}

// GetIssues loads the given ids, returned in the order requested. Missing ids are skipped.
func (s *Store) GetIssues(ctx context.Context, ids []int64) ([]models.Issue, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT `+issueColumns+` FROM issues WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []issueRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load issues: %w", err)
	}
	byID := make(map[int64]models.Issue, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.toModel()
	}
	out := make([]models.Issue, 0, len(ids))
	for _, id := range ids {
		if issue, ok := byID[id]; ok {
			out = append(out, issue)
		}
	}
	return out, nil
}

// FindActiveIssue returns the PENDING or OPEN issue of the given kind for a conversation,
// matching on phone when the conversation id is unknown. It returns nil, nil when there is none.
func (s *Store) FindActiveIssue(ctx context.Context, kind models.Kind, conversationID, phone string) (*models.Issue, error) {
	var (
		rows  []issueRow
		query string
		args  []any
	)
	switch {
	case conversationID != "":
		// An issue created before its conversation was known still matches by phone.
		query = `SELECT ` + issueColumns + ` FROM issues
			WHERE kind = ? AND status IN ('PENDING','OPEN')
			AND (conversation_id = ? OR (conversation_id IS NULL AND phone = ? AND phone <> ''))
			ORDER BY id DESC LIMIT 1`
		args = []any{kind, conversationID, phone}
	case phone != "":
		query = `SELECT ` + issueColumns + ` FROM issues
			WHERE kind = ? AND status IN ('PENDING','OPEN') AND phone = ?
			ORDER BY id DESC LIMIT 1`
		args = []any{kind, phone}
	default:
		return nil, nil
	}

	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find active issue: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	issue := rows[0].toModel()
	return &issue, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// FindActiveByTarget returns active issues matching a phone, contact id or contact name.
func (s *Store) FindActiveByTarget(ctx context.Context, phone, contactID, name string) ([]models.Issue, error) {
	var rows []issueRow
	query := `SELECT ` + issueColumns + ` FROM issues
		WHERE status IN ('PENDING','OPEN')
		AND ((phone <> '' AND phone = ?) OR (contact_id <> '' AND contact_id = ?) OR (? <> '' AND LOWER(meta) LIKE ? ESCAPE '\'))
		ORDER BY id`
	namePattern := ""
	if name != "" {
		namePattern = `%"contact_name":"` + likeEscaper.Replace(strings.ToLower(name)) + `%`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), phone, contactID, name, namePattern); err != nil {
		return nil, fmt.Errorf("failed to find issues by target: %w", err)
	}
	return toModels(rows), nil
}

// LatestIssueForConversation returns the most recent issue of any status on a conversation, or nil.
func (s *Store) LatestIssueForConversation(ctx context.Context, conversationID string) (*models.Issue, error) {
	if conversationID == "" {
		return nil, nil
	}
	var rows []issueRow
	query := s.db.Rebind(`SELECT ` + issueColumns + ` FROM issues WHERE conversation_id = ? ORDER BY id DESC LIMIT 1`)
	if err := s.db.SelectContext(ctx, &rows, query, conversationID); err != nil {
		return nil, fmt.Errorf("failed to load latest issue for conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	issue := rows[0].toModel()
	return &issue, nil
}

// IssueFilter narrows ListIssues and CountIssues. Zero values mean "no constraint".
type IssueFilter struct {
	Statuses        []models.Status
	Kind            models.Kind
	DueBefore       time.Time // due_ts <= DueBefore
	ExcludeGated    bool
	ExcludeNotified bool
	Limit           int
	Offset          int
}

func (f IssueFilter) where() (string, []any, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN (?)")
		args = append(args, f.Statuses)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, f.Kind)
	}
	if !f.DueBefore.IsZero() {
		clauses = append(clauses, "due_ts <= ?")
		args = append(args, formatTS(f.DueBefore))
	}
	if f.ExcludeGated {
		clauses = append(clauses, "gated_ts IS NULL")
	}
	if f.ExcludeNotified {
		clauses = append(clauses, "breach_notified_ts IS NULL")
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	where := " WHERE " + strings.Join(clauses, " AND ")
	if len(f.Statuses) == 0 {
		return where, args, nil
	}
	query, expanded, err := sqlx.In(where, args...)
	return query, expanded, err
}

// ListIssues returns issues matching the filter, oldest deadline first.
func (s *Store) ListIssues(ctx context.Context, f IssueFilter) ([]models.Issue, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + issueColumns + ` FROM issues` + where + ` ORDER BY due_ts ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}
	var rows []issueRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list issues: %w", err)
	}
	return toModels(rows), nil
}

// ListIssueIDs returns the ids matching the filter in the same order as ListIssues.
func (s *Store) ListIssueIDs(ctx context.Context, f IssueFilter) ([]int64, error) {
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	query := `SELECT id FROM issues` + where + ` ORDER BY due_ts ASC, id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list issue ids: %w", err)
	}
	return ids, nil
}

// CountIssues counts issues matching the filter. Limit and Offset are ignored.
func (s *Store) CountIssues(ctx context.Context, f IssueFilter) (int, error) {
	where, args, err := f.where()
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM issues`+where), args...); err != nil {
		return 0, fmt.Errorf("failed to count issues: %w", err)
	}
	return n, nil
}

// ListResolvedBetween returns issues resolved in (after, until], newest first, plus the total count.
func (s *Store) ListResolvedBetween(ctx context.Context, after, until time.Time, limit int) ([]models.Issue, int, error) {
	var total int
	countQuery := s.db.Rebind(`SELECT COUNT(*) FROM issues WHERE status = 'RESOLVED' AND resolved_ts > ? AND resolved_ts <= ?`)
	if err := s.db.GetContext(ctx, &total, countQuery, formatTS(after), formatTS(until)); err != nil {
		return nil, 0, fmt.Errorf("failed to count resolved issues: %w", err)
	}

	query := `SELECT ` + issueColumns + ` FROM issues
		WHERE status = 'RESOLVED' AND resolved_ts > ? AND resolved_ts <= ?
		ORDER BY resolved_ts DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	var rows []issueRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), formatTS(after), formatTS(until)); err != nil {
		return nil, 0, fmt.Errorf("failed to list resolved issues: %w", err)
	}
	return toModels(rows), total, nil
}

// Resolve moves an issue from the expected status to RESOLVED.
// It reports false without error when the issue was no longer in that status.
func (s *Store) Resolve(ctx context.Context, id int64, from models.Status, resolvedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE issues SET status = 'RESOLVED', resolved_ts = ?, breach_claim_ts = NULL
		WHERE id = ? AND status = ?`), formatTS(resolvedAt), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to resolve issue %d: %w", id, err)
	}
	return applied(res)
}

// Promote moves a PENDING issue to OPEN. A non-nil gatedAt records that escalation is suppressed.
func (s *Store) Promote(ctx context.Context, id int64, gatedAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE issues SET status = 'OPEN', gated_ts = ?
		WHERE id = ? AND status = 'PENDING'`), nullTS(gatedAt), id)
	if err != nil {
		return false, fmt.Errorf("failed to promote issue %d: %w", id, err)
	}
	return applied(res)
}

// ForceStatus applies a manager override (RESOLVED or SPAM) to an active issue.
// It returns ErrNotFound for unknown ids and false when the issue was already closed.
func (s *Store) ForceStatus(ctx context.Context, id int64, to models.Status, at time.Time) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("cannot force issue into non-terminal status %s", to)
	}
	var resolvedTS sql.NullString
	if to == models.StatusResolved {
		resolvedTS = nullTS(&at)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE issues SET status = ?, resolved_ts = COALESCE(?, resolved_ts), breach_claim_ts = NULL
		WHERE id = ? AND status IN ('PENDING','OPEN')`), to, resolvedTS, id)
	if err != nil {
		return false, fmt.Errorf("failed to set issue %d to %s: %w", id, to, err)
	}
	ok, err := applied(res)
	if err != nil || ok {
		return ok, err
	}
	if _, err := s.GetIssue(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// RecordInbound registers a further inbound message on an active issue.
// due_ts is never touched; the conversation id is only filled in when still unknown.
func (s *Store) RecordInbound(ctx context.Context, id int64, at time.Time, conversationID string) (bool, error) {
	ts := formatTS(at)
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE issues SET
			inbound_count = inbound_count + 1,
			last_inbound_ts = CASE WHEN last_inbound_ts IS NULL OR last_inbound_ts < ? THEN ? ELSE last_inbound_ts END,
			conversation_id = COALESCE(conversation_id, ?)
		WHERE id = ? AND status IN ('PENDING','OPEN')`), ts, ts, nullString(conversationID), id)
	if err != nil {
		return false, fmt.Errorf("failed to record inbound on issue %d: %w", id, err)
	}
	return applied(res)
}

// SetConversationID backfills the conversation link of an issue that has none.
func (s *Store) SetConversationID(ctx context.Context, id int64, conversationID string) (bool, error) {
	if conversationID == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE issues SET conversation_id = ? WHERE id = ? AND conversation_id IS NULL`), conversationID, id)
	if err != nil {
		return false, fmt.Errorf("failed to set conversation on issue %d: %w", id, err)
	}
	return applied(res)
}

// SetOutboundCount stores the number of outbound messages last seen on the conversation.
func (s *Store) SetOutboundCount(ctx context.Context, id int64, n int) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE issues SET outbound_count = ? WHERE id = ?`), n, id)
	if err != nil {
		return fmt.Errorf("failed to set outbound count on issue %d: %w", id, err)
	}
	return nil
}

// ClaimBreach takes a short lease on an unnotified, non-gated OPEN issue before an alert is sent.
// An expired lease (older than staleBefore) can be taken over.
func (s *Store) ClaimBreach(ctx context.Context, id int64, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE issues SET breach_claim_ts = ?
		WHERE id = ? AND status = 'OPEN' AND breach_notified_ts IS NULL AND gated_ts IS NULL
		AND (breach_claim_ts IS NULL OR breach_claim_ts < ?)`), formatTS(now), id, formatTS(staleBefore))
	if err != nil {
		return false, fmt.Errorf("failed to claim breach on issue %d: %w", id, err)
	}
	return applied(res)
}

// ReleaseBreach drops a lease taken at claimedAt after a failed send.
func (s *Store) ReleaseBreach(ctx context.Context, id int64, claimedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE issues SET breach_claim_ts = NULL
		WHERE id = ? AND breach_claim_ts = ? AND breach_notified_ts IS NULL`), id, formatTS(claimedAt))
	if err != nil {
		return fmt.Errorf("failed to release breach claim on issue %d: %w", id, err)
	}
	return nil
}

// MarkBreachNotified sets breach_notified_ts once. Later calls report false.
func (s *Store) MarkBreachNotified(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE issues SET breach_notified_ts = ?, breach_claim_ts = NULL
		WHERE id = ? AND breach_notified_ts IS NULL`), formatTS(at), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark breach notified on issue %d: %w", id, err)
	}
	return applied(res)
}

const metaUpdateAttempts = 5

// UpdateMeta applies fn to the issue's annotations with compare-and-swap on the stored document,
// retrying when a concurrent writer changed it in between.
func (s *Store) UpdateMeta(ctx context.Context, id int64, fn func(m *models.Meta)) error {
	for attempt := 0; attempt < metaUpdateAttempts; attempt++ {
		var current string
		err := s.db.GetContext(ctx, &current, s.db.Rebind(`SELECT meta FROM issues WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read meta of issue %d: %w", id, err)
		}

		var meta models.Meta
		if current != "" {
			if err := json.Unmarshal([]byte(current), &meta); err != nil {
				log.Warn().Err(err).Int64("issueID", id).Msg("Replacing unreadable issue meta")
				meta = models.Meta{}
			}
		}
		fn(&meta)
		next, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to encode meta of issue %d: %w", id, err)
		}

		res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE issues SET meta = ? WHERE id = ? AND meta = ?`), string(next), id, current)
		if err != nil {
			return fmt.Errorf("failed to write meta of issue %d: %w", id, err)
		}
		if ok, err := applied(res); err != nil || ok {
			return err
		}
	}
	return fmt.Errorf("meta of issue %d kept changing, gave up after %d attempts", id, metaUpdateAttempts)
}
