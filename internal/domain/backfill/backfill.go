// Package backfill implements the History Back-fill worker (C10): for a
// joined group it pages backward from the earliest known message id,
// persisting every row through the entity gateway without triggering link
// discovery, and periodically rescans groups still pending a back-fill.
package backfill

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"telegram-ingest-fabric/internal/domain/entities"
	"telegram-ingest-fabric/internal/infra/ingesterror"
	"telegram-ingest-fabric/internal/infra/logger"
	"telegram-ingest-fabric/internal/infra/queue"
	"telegram-ingest-fabric/internal/infra/store"
)

// Page is one fetched slice of history, in the pager's order (newest-first,
// descending message id, for the MTProto pager).
type Page struct {
	Messages []PageMessage
	// Exhausted reports that the iterator has no more messages behind
	// offsetID.
	Exhausted bool
}

type PageMessage struct {
	MessageID int64
	SenderUID int64
	Text      string
	Date      time.Time
	IsPhoto   bool
	// Photo carries the OCR descriptor when IsPhoto is true and the pager
	// could resolve the photo's file location; nil means the photo exists
	// but back-fill has no way to fetch its bytes (e.g. an unresolvable
	// file reference), so the sentinel is skipped and the caption is kept
	// as plain text.
	Photo *PhotoDescriptor
}

// PhotoDescriptor mirrors updates.PhotoLocation/ocr.Descriptor's JSON shape;
// duplicated here rather than imported to keep backfill's dependency graph
// shallow (same rationale as ocr.Descriptor's own doc comment).
type PhotoDescriptor struct {
	ClientUID     int64  `json:"client"`
	FileID        string `json:"file_id,omitempty"`
	PhotoID       int64  `json:"photo_id,omitempty"`
	AccessHash    int64  `json:"access_hash,omitempty"`
	FileReference string `json:"file_reference,omitempty"`
	DCID          int    `json:"dc_id,omitempty"`
	Path          string `json:"path"`
	Filename      string `json:"filename"`
}

// Pager fetches one page of history from the invoker, honouring
// offset_id/max_id=first and wait_time=0 (the iterator's internal wait is
// disabled; this package enforces sleeps explicitly instead).
type Pager func(ctx context.Context, gid int64, offsetID int64) (Page, error)

// Task is the back-fill queue payload.
type Task struct {
	GID int64 `json:"gid"`
}

// GroupStore is the slice of storage the back-fill worker needs to decide
// whether a group is eligible and where to resume paging; *store.MySQL
// satisfies it.
type GroupStore interface {
	GetGroup(ctx context.Context, gid int64) (*store.Group, error)
	MinMessageID(ctx context.Context, gid int64) (int64, error)
}

// Worker consumes the history_queue one task at a time.
type Worker struct {
	db     GroupStore
	gw     *entities.Gateway
	page   Pager
	notify func(ctx context.Context, text string) error
}

func NewWorker(db GroupStore, gw *entities.Gateway, page Pager, notify func(ctx context.Context, text string) error) *Worker {
	return &Worker{db: db, gw: gw, page: page, notify: notify}
}

// Handle is the worker-fabric Handler for the history_queue class.
func (w *Worker) Handle(ctx context.Context, payload string) error {
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return ingesterror.New(ingesterror.Programmer, err)
	}
	return w.run(ctx, task.GID)
}

func (w *Worker) run(ctx context.Context, gid int64) error {
	group, err := w.db.GetGroup(ctx, gid)
	if err != nil {
		return ingesterror.New(ingesterror.Transient, err)
	}
	if group == nil || !group.MasterUID.Valid {
		return ingesterror.WithSubject(ingesterror.NotFound, "backfill-group", nil)
	}

	first, err := w.db.MinMessageID(ctx, gid)
	if err != nil {
		return ingesterror.New(ingesterror.Transient, err)
	}

	for {
		page, err := w.page(ctx, gid, first)
		if err != nil {
			ie, ok := ingesterror.As(err)
			if !ok {
				if w.notify != nil {
					_ = w.notify(ctx, "backfill: unexpected error for group "+itoa(gid)+": "+err.Error())
				}
				continue
			}
			switch ie.Kind {
			case ingesterror.RateLimited:
				time.Sleep(time.Duration(ie.Seconds+1) * time.Second)
				continue
			case ingesterror.Forbidden:
				if w.notify != nil {
					_ = w.notify(ctx, "backfill: channel private, stopping for group "+itoa(gid))
				}
				return nil
			case ingesterror.Transient:
				continue
			default:
				if w.notify != nil {
					_ = w.notify(ctx, "backfill: error for group "+itoa(gid)+": "+ie.Error())
				}
				continue
			}
		}

		if len(page.Messages) == 0 || page.Exhausted {
			if w.notify != nil {
				_ = w.notify(ctx, "backfill complete for group "+itoa(gid))
			}
			return nil
		}

		changed := false
		for _, m := range page.Messages {
			text := m.Text
			if m.IsPhoto && m.Photo != nil {
				if blob, err := json.Marshal(m.Photo); err != nil {
					logger.Errorf("backfill: marshal photo descriptor for group %d msg %d: %v", gid, m.MessageID, err)
				} else {
					text = historySentinel + string(blob) + "\n" + text
				}
			}
			if err := w.gw.InsertMessage(ctx, gid, m.MessageID, m.SenderUID, text, m.Date, int(store.FlagNew), false); err != nil {
				logger.Errorf("backfill: insert enqueue failed for group %d msg %d: %v", gid, m.MessageID, err)
				continue
			}
			if m.MessageID < first || first == 0 {
				first = m.MessageID
				changed = true
			}
		}
		if !changed {
			if w.notify != nil {
				_ = w.notify(ctx, "backfill complete for group "+itoa(gid))
			}
			return nil
		}
	}
}

// historySentinel marks a photo discovered during back-fill; followed by the
// marshaled PhotoDescriptor and then the caption, it is byte-for-byte the
// same shape ocr.parseSentinel expects from live ingress.
const historySentinel = "tgpic://ocr/pending\n"

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// Scheduler periodically re-enqueues back-fill tasks for every group whose
// master_uid is set, via robfig/cron/v3; whether a group's history was
// already fetched to completion is not checked.
type Scheduler struct {
	db    *store.MySQL
	queue queue.Queue
	cr    *cron.Cron
}

func NewScheduler(db *store.MySQL, historyQueue queue.Queue) *Scheduler {
	return &Scheduler{db: db, queue: historyQueue, cr: cron.New()}
}

// Start schedules the periodic rescan at the given cron spec (e.g. "0 */6 * * *")
// and starts the underlying cron runner.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cr.AddFunc(spec, func() {
		gids, err := s.db.GroupsPendingBackfill(ctx)
		if err != nil {
			logger.Errorf("backfill scheduler: list pending groups: %v", err)
			return
		}
		for _, gid := range gids {
			payload, _ := json.Marshal(Task{GID: gid})
			if err := s.queue.Put(ctx, string(payload)); err != nil {
				logger.Errorf("backfill scheduler: enqueue gid %d: %v", gid, err)
			}
		}
	})
	if err != nil {
		return err
	}
	s.cr.Start()
	return nil
}

func (s *Scheduler) Stop() { s.cr.Stop() }
