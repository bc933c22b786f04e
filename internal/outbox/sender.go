package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/huandu/go-sqlbuilder"

	"github.com/Aman-CERP/indexsync/internal/codec"
	"github.com/Aman-CERP/indexsync/internal/errors"
	"github.com/Aman-CERP/indexsync/pkg/work"
)

// Execer is satisfied by *sql.Tx, *sqlx.Tx and *sqlx.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Sender appends events to the outbox. It performs no index I/O.
type Sender struct {
	now func() time.Time
}

// NewSender creates a Sender.
func NewSender() *Sender {
	return &Sender{now: time.Now}
}

// Append inserts ev using tx, which should be the transaction that mutated
// the entity so both commit or roll back together. It returns the row id.
func (s *Sender) Append(ctx context.Context, tx Execer, ev work.Event) (int64, error) {
	if ev.EntityName == "" || ev.SerializedID == "" {
		return 0, errors.ValidationError("outbox event needs an entity name and id", nil)
	}
	if _, err := work.ParseEventType(string(ev.Type)); err != nil {
		return 0, errors.ValidationError(err.Error(), nil)
	}

	keys, err := codec.EncodeRoutingKeys(ev.Payload.RoutingKeys())
	if err != nil {
		return 0, err
	}
	payload, err := codec.EncodePayload(ev.Payload)
	if err != nil {
		return 0, err
	}

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(TableName)
	ib.Cols("entity_name", "entity_id", "event_type", "routing_keys", "payload", "status", "created_at")
	ib.Values(ev.EntityName, ev.SerializedID, string(ev.Type), keys, payload, StatusPending, s.now().UnixMilli())
	query, args := ib.Build()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.StorageError(fmt.Sprintf("failed to append outbox event for %s", ev.Reference()), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.StorageError("failed to read outbox row id", err)
	}
	return id, nil
}

// AppendAll appends events in order.
func (s *Sender) AppendAll(ctx context.Context, tx Execer, events []work.Event) error {
	for _, ev := range events {
		if _, err := s.Append(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}
