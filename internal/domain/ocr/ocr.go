// Package ocr implements the OCR coordinator (C9): consumes message row ids
// whose text carries the OCR sentinel, single-flights downloads per
// file_id through a daily cache, uploads to blob storage, calls the OCR
// microservice, and rewrites the row's text with the recognised result.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	"strconv"
	"strings"
	"time"

	"telegram-ingest-fabric/internal/infra/blobstore"
	"telegram-ingest-fabric/internal/infra/ingesterror"
	"telegram-ingest-fabric/internal/infra/ocrclient"
	"telegram-ingest-fabric/internal/infra/rediskit"
	"telegram-ingest-fabric/internal/infra/store"

	_ "golang.org/x/image/webp"
)

// OCRSentinel mirrors updates.OCRSentinel; duplicated here (rather than
// importing the updates package, which would create a dependency cycle once
// the ingress dispatcher wires the OCR queue) with the exact same value.
const OCRSentinel = "tgpic://ocr/pending"

const (
	processingMarker  = "PROCESSING"
	rowMissingBound   = 1000
	processingBound   = 100
	processingBackoff = 100 * time.Millisecond
)

// Descriptor mirrors updates.PhotoLocation's JSON shape; decoded here
// independently to avoid a package cycle.
type Descriptor struct {
	ClientUID     int64  `json:"client"`
	FileID        string `json:"file_id,omitempty"`
	PhotoID       int64  `json:"photo_id,omitempty"`
	AccessHash    int64  `json:"access_hash,omitempty"`
	FileReference string `json:"file_reference,omitempty"`
	DCID          int    `json:"dc_id,omitempty"`
	Path          string `json:"path"`
	Filename      string `json:"filename"`
}

// Downloader abstracts the two ways a photo can be fetched: via the raw
// MTProto file location (user accounts) or via the Bot API's
// download-by-file-id (bot accounts).
type Downloader interface {
	DownloadLocation(ctx context.Context, d Descriptor) ([]byte, error)
	DownloadByFileID(ctx context.Context, fileID string) ([]byte, error)
}

// Coordinator wires together the daily single-flight cache, the
// downloader, blob storage, the OCR microservice and persistence.
type Coordinator struct {
	db    *store.MySQL
	cache *rediskit.DailyDict
	dl    Downloader
	blob  blobstore.Store
	ocr   *ocrclient.Client

	requeue func(ctx context.Context, payload string) error
}

// New wires a Coordinator. requeue puts a payload back onto the ocr_queue
// class directly (e.g. a worker.Class's Queue.Put) — used to resubmit a
// Task with incremented attempt counters without going through the worker
// fabric's own at-least-once re-delivery, which would otherwise double the
// queue (the fabric re-Puts the original message on any returned error).
func New(db *store.MySQL, cache *rediskit.DailyDict, dl Downloader, blob blobstore.Store, ocrCli *ocrclient.Client,
	requeue func(ctx context.Context, payload string) error) *Coordinator {
	return &Coordinator{db: db, cache: cache, dl: dl, blob: blob, ocr: ocrCli, requeue: requeue}
}

// Task is the OCR queue payload: {id, missing_tries, wait_tries}. The two
// counters distinguish a row-not-yet-durable retry from a
// PROCESSING-contention retry, each with its own bound.
type Task struct {
	ID            int64 `json:"id"`
	MissingTries  int   `json:"missing_tries,omitempty"`
	WaitTries     int   `json:"wait_tries,omitempty"`
}

// Handle is the worker-fabric Handler for the ocr_queue class.
func (c *Coordinator) Handle(ctx context.Context, payload string) error {
	var task Task
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return ingesterror.New(ingesterror.Programmer, err)
	}

	chatID, text, err := c.db.MessageText(ctx, task.ID)
	if err == store.ErrMessageNotFound {
		if task.MissingTries >= rowMissingBound {
			return ingesterror.WithSubject(ingesterror.NotFound, "ocr-row", err)
		}
		task.MissingTries++
		return c.reenqueueTask(ctx, task)
	}
	if err != nil {
		return ingesterror.New(ingesterror.Transient, err)
	}

	desc, caption, ok := parseSentinel(text)
	if !ok {
		// row no longer carries the sentinel (already rewritten); nothing to do.
		return nil
	}

	fileID := fileIDFromFilename(desc)

	state, err := c.cache.Get(ctx, fileID)
	if err != nil {
		return ingesterror.New(ingesterror.Transient, err)
	}
	switch {
	case state == processingMarker:
		if task.WaitTries >= processingBound {
			// single-flight leader presumed dead: clear and retry once more
			// as the new leader.
			_ = c.cache.Delete(ctx, fileID)
			task.WaitTries = 0
			return c.reenqueueTask(ctx, task)
		}
		task.WaitTries++
		time.Sleep(processingBackoff)
		return c.reenqueueTask(ctx, task)
	case state != "":
		return c.rewrite(ctx, task.ID, chatID, state, caption)
	}

	if err := c.cache.Set(ctx, fileID, processingMarker); err != nil {
		return ingesterror.New(ingesterror.Transient, err)
	}

	data, err := c.download(ctx, desc, fileID)
	if err != nil {
		if ie, ok := ingesterror.As(err); ok && (ie.Kind == ingesterror.RateLimited || ie.Kind == ingesterror.AuthLost) {
			// leave PROCESSING in place; retry later without giving the
			// slot to a concurrent leader.
			return ie
		}
		_ = c.cache.Delete(ctx, fileID)
		return ingesterror.New(ingesterror.Transient, err)
	}

	if !validate(data) {
		_ = c.cache.Set(ctx, fileID, "OCR_FAILED_HINT")
		return c.rewrite(ctx, task.ID, chatID, "OCR_FAILED_HINT", caption)
	}

	url, err := c.blob.Upload(ctx, desc.Path, desc.Filename, data)
	if err != nil {
		_ = c.cache.Delete(ctx, fileID)
		return ingesterror.New(ingesterror.Transient, err)
	}

	result, err := c.ocr.Recognize(ctx, url)
	if err != nil {
		_ = c.cache.Delete(ctx, fileID)
		return ingesterror.New(ingesterror.Transient, err)
	}

	combined := result.Text
	if result.Barcode != "" {
		combined = combined + "\n" + result.Barcode
	}
	if err := c.cache.Set(ctx, fileID, combined); err != nil {
		logErrSilently(err)
	}
	return c.rewrite(ctx, task.ID, chatID, combined, caption)
}

func (c *Coordinator) download(ctx context.Context, desc Descriptor, fileID string) ([]byte, error) {
	if desc.FileID != "" {
		return c.dl.DownloadByFileID(ctx, desc.FileID)
	}
	return c.dl.DownloadLocation(ctx, desc)
}

func (c *Coordinator) rewrite(ctx context.Context, id, chatID int64, ocrText, caption string) error {
	_ = chatID
	if err := c.db.RewriteText(ctx, id, ocrText+"\n"+caption); err != nil {
		return ingesterror.New(ingesterror.Transient, err)
	}
	return nil
}

// reenqueueTask resubmits task with its incremented attempt counters and
// returns nil so the worker fabric does not also re-Put the stale original
// payload (see entities.MarkDeletedHandler for the same pattern).
func (c *Coordinator) reenqueueTask(ctx context.Context, task Task) error {
	if c.requeue == nil {
		return ingesterror.New(ingesterror.Transient, fmt.Errorf("ocr: requeue id=%d: no requeue sink wired", task.ID))
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return ingesterror.New(ingesterror.Programmer, err)
	}
	if err := c.requeue(ctx, string(payload)); err != nil {
		return ingesterror.New(ingesterror.Transient, err)
	}
	return nil
}

func parseSentinel(text string) (Descriptor, string, bool) {
	if !strings.HasPrefix(text, OCRSentinel) {
		return Descriptor{}, "", false
	}
	rest := strings.TrimPrefix(text, OCRSentinel+"\n")
	parts := strings.SplitN(rest, "\n", 2)
	if len(parts) == 0 {
		return Descriptor{}, "", false
	}
	var desc Descriptor
	if err := json.Unmarshal([]byte(parts[0]), &desc); err != nil {
		return Descriptor{}, "", false
	}
	caption := ""
	if len(parts) == 2 {
		caption = parts[1]
	}
	return desc, caption, true
}

func fileIDFromFilename(desc Descriptor) string {
	if desc.FileID != "" {
		return desc.FileID
	}
	// filename is "<timestamp>-<photoID>.jpg"; file_id derives from the part
	// after the timestamp hyphen.
	name := desc.Filename
	if i := strings.IndexByte(name, '-'); i > 0 {
		if _, err := strconv.ParseInt(name[:i], 10, 64); err == nil {
			return strings.TrimSuffix(name[i+1:], ".jpg")
		}
	}
	return strconv.FormatInt(desc.PhotoID, 10)
}

// validate decodes data as an image to guard against corrupt transfers
// wasting an OCR call (the OCR_FAILED_HINT terminal outcome). JPEG covers
// Telegram's own photo re-encoding; the webp decoder is registered for
// stickers and other webp-sourced media that can reach this path via
// back-fill.
func validate(data []byte) bool {
	_, _, err := image.Decode(bytes.NewReader(data))
	return err == nil
}

func logErrSilently(err error) {
	_ = err
}
