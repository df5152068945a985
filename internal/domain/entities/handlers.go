package entities

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"telegram-ingest-fabric/internal/infra/ingesterror"
	"telegram-ingest-fabric/internal/infra/store"
)

// EntityUpdateHandler consumes entity_queue and performs the actual upsert +
// history write: first observed change writes a synthetic date=0 snapshot of the previous state, then the new
// state plus a date=now history row; subsequent changes only add a history
// row. Groups additionally claim master_uid if it was previously unset.
func EntityUpdateHandler(db *store.MySQL) func(ctx context.Context, payload string) error {
	return func(ctx context.Context, payload string) error {
		var upd EntityUpdate
		if err := json.Unmarshal([]byte(payload), &upd); err != nil {
			return ingesterror.New(ingesterror.Programmer, err)
		}
		switch upd.Type {
		case "user":
			return handleUserUpdate(ctx, db, upd)
		case "group":
			return handleGroupUpdate(ctx, db, upd)
		default:
			return ingesterror.WithSubject(ingesterror.NotFound, upd.Type, nil)
		}
	}
}

func handleUserUpdate(ctx context.Context, db *store.MySQL, upd EntityUpdate) error {
	existing, err := db.GetUser(ctx, upd.UID)
	if err != nil {
		return ingesterror.New(ingesterror.Transient, err)
	}
	now := time.Now().UTC().Unix()
	newState := store.User{
		UID:       upd.UID,
		Username:  nullable(upd.Username),
		FirstName: nullable(upd.First),
		LastName:  nullable(upd.Last),
		Lang:      nullable(upd.Lang),
	}
	if existing == nil {
		if err := db.UpsertUser(ctx, newState); err != nil {
			return ingesterror.New(ingesterror.Transient, err)
		}
		return nil
	}
	if userChanged(*existing, newState) {
		// первое наблюдаемое изменение: синтетический снимок прежнего
		// состояния с date=0, затем новое состояние и history с date=now.
		if err := db.InsertUserHistory(ctx, *existing, 0); err != nil {
			return ingesterror.New(ingesterror.Transient, err)
		}
		if err := db.UpsertUser(ctx, newState); err != nil {
			return ingesterror.New(ingesterror.Transient, err)
		}
		if err := db.InsertUserHistory(ctx, newState, now); err != nil {
			return ingesterror.New(ingesterror.Transient, err)
		}
	}
	return nil
}

func userChanged(a, b store.User) bool {
	return a.Username != b.Username || a.FirstName != b.FirstName ||
		a.LastName != b.LastName || a.Lang != b.Lang
}

func handleGroupUpdate(ctx context.Context, db *store.MySQL, upd EntityUpdate) error {
	existing, err := db.GetGroup(ctx, upd.GID)
	if err != nil {
		return ingesterror.New(ingesterror.Transient, err)
	}
	now := time.Now().UTC().Unix()
	newState := store.Group{
		GID:       upd.GID,
		Name:      nullable(upd.Name),
		Link:      nullable(upd.Link),
		MasterUID: sql.NullInt64{Int64: upd.MasterUID, Valid: upd.MasterUID != 0},
	}
	if existing == nil {
		if err := db.UpsertGroup(ctx, newState); err != nil {
			return ingesterror.New(ingesterror.Transient, err)
		}
		return nil
	}
	// master_uid ставится только если ещё не установлен.
	if existing.MasterUID.Valid {
		newState.MasterUID = existing.MasterUID
	}
	if groupChanged(*existing, newState) {
		if err := db.InsertGroupHistory(ctx, *existing, 0); err != nil {
			return ingesterror.New(ingesterror.Transient, err)
		}
		if err := db.UpsertGroup(ctx, newState); err != nil {
			return ingesterror.New(ingesterror.Transient, err)
		}
		if err := db.InsertGroupHistory(ctx, newState, now); err != nil {
			return ingesterror.New(ingesterror.Transient, err)
		}
	}
	return nil
}

func groupChanged(a, b store.Group) bool {
	return a.Name != b.Name || a.Link != b.Link || a.MasterUID != b.MasterUID
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// InsertHandler consumes insert_queue and writes the message row. If the
// text begins with the OCR sentinel, once the row is flushed and its
// surrogate id known, it enqueues {id} on the OCR queue.
func InsertHandler(db *store.MySQL, ocrQueueEnqueue func(ctx context.Context, surrogateID int64) error, ocrSentinel string) func(ctx context.Context, payload string) error {
	return func(ctx context.Context, payload string) error {
		var task InsertTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return ingesterror.New(ingesterror.Programmer, err)
		}
		id, err := db.InsertMessage(ctx, task.ChatID, task.MessageID, task.UID, task.Text,
			time.Unix(task.Date, 0).UTC(), store.MessageFlag(task.Flag))
		if err != nil {
			return ingesterror.New(ingesterror.Transient, err)
		}
		if hasPrefix(task.Text, ocrSentinel) {
			if err := ocrQueueEnqueue(ctx, id); err != nil {
				return ingesterror.New(ingesterror.Transient, err)
			}
		}
		return nil
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// MarkDeletedHandler consumes mark_queue: one task per deleted message id.
// Sets the deleted flag; if the row races with insert and is not yet
// present, reschedules up to MarkRetryBound attempts before giving up.
const MarkRetryBound = 2

type MarkTask struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
	Attempt   int   `json:"attempt"`
}

// DeletionMarker is the single operation MarkDeletedHandler needs from
// storage; *store.MySQL satisfies it.
type DeletionMarker interface {
	MarkDeleted(ctx context.Context, chatID, messageID int64) error
}

func MarkDeletedHandler(db DeletionMarker, requeue func(ctx context.Context, payload string) error) func(ctx context.Context, payload string) error {
	return func(ctx context.Context, payload string) error {
		var task MarkTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil {
			return ingesterror.New(ingesterror.Programmer, err)
		}
		err := db.MarkDeleted(ctx, task.ChatID, task.MessageID)
		if err == nil {
			return nil
		}
		if err != store.ErrMessageNotFound {
			return ingesterror.New(ingesterror.Transient, err)
		}
		if task.Attempt >= MarkRetryBound {
			// дропнуть: строка так и не появилась, повторять дальше бессмысленно.
			return ingesterror.WithSubject(ingesterror.NotFound, "mark", err)
		}
		task.Attempt++
		next, merr := json.Marshal(task)
		if merr != nil {
			return ingesterror.New(ingesterror.Programmer, merr)
		}
		if rerr := requeue(ctx, string(next)); rerr != nil {
			return ingesterror.New(ingesterror.Transient, rerr)
		}
		return nil
	}
}
