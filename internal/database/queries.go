package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/npezzotti/caresync-rtc/internal/types"
)

const messageColumns = "id, patient_id, doctor_id, body, sender, created_at, read"

func (db *PgMessageStore) CreateMessage(ctx context.Context, msg types.Message) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages ("+messageColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7)",
		msg.Id,
		msg.PatientId,
		msg.DoctorId,
		msg.Body,
		string(msg.Sender),
		msg.CreatedAt,
		msg.Read,
	)

	return err
}

func (db *PgMessageStore) ListConversation(ctx context.Context, userId, counterpartId string, page Page) ([]types.Message, error) {
	var (
		query strings.Builder
		args  = []any{userId, counterpartId}
	)

	query.WriteString("SELECT " + messageColumns + " FROM messages " +
		"WHERE ((patient_id = $1 AND doctor_id = $2) OR (patient_id = $2 AND doctor_id = $1))")

	if page.After != nil {
		args = append(args, page.After.CreatedAt, page.After.Id)
		query.WriteString(" AND (created_at, id) > ($3, $4)")
	}

	query.WriteString(" ORDER BY created_at ASC, id ASC")

	if page.Limit > 0 {
		args = append(args, page.Limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}

	rows, err := db.conn.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]types.Message, 0)
	for rows.Next() {
		var (
			msg    types.Message
			sender string
		)
		if err := rows.Scan(
			&msg.Id,
			&msg.PatientId,
			&msg.DoctorId,
			&msg.Body,
			&sender,
			&msg.CreatedAt,
			&msg.Read,
		); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		msg.Sender = types.Sender(sender)
		msg.CreatedAt = msg.CreatedAt.UTC()
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return messages, nil
}

func (db *PgMessageStore) CountUnread(ctx context.Context, viewerId string, viewerRole types.Role) (types.UnreadCounts, error) {
	sender, err := incomingSender(viewerRole)
	if err != nil {
		return nil, err
	}

	own, other := "patient_id", "doctor_id"
	if viewerRole == types.RoleDoctor {
		own, other = other, own
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+other+", COUNT(*) FROM messages "+
			"WHERE "+own+" = $1 AND sender = $2 AND read = FALSE "+
			"GROUP BY "+other,
		viewerId,
		string(sender),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(types.UnreadCounts)
	for rows.Next() {
		var (
			counterpartId string
			n             int64
		)
		if err := rows.Scan(&counterpartId, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[counterpartId] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return counts, nil
}

func (db *PgMessageStore) MarkRead(ctx context.Context, viewerId string, viewerRole types.Role, counterpartId string) (int64, error) {
	sender, err := incomingSender(viewerRole)
	if err != nil {
		return 0, err
	}

	own, other := "patient_id", "doctor_id"
	if viewerRole == types.RoleDoctor {
		own, other = other, own
	}

	res, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET read = TRUE "+
			"WHERE "+own+" = $1 AND "+other+" = $2 AND sender = $3 AND read = FALSE",
		viewerId,
		counterpartId,
		string(sender),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
