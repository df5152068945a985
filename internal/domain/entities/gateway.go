// Package entities реализует шлюз сущностного хранилища (C4): асинхронные
// updateUser/updateGroup/insertMessage, которые никогда не блокируют горячий
// путь приёма сообщений на реляционной БД — они лишь кладут задачу в
// Redis-очередь `entity_queue`/`insert_queue`; фактическую запись выполняет
// EntityUpdateWorker (control-side воркер, см. internal/app для его старта).
package entities

import (
	"context"
	"encoding/json"
	"time"

	"telegram-ingest-fabric/internal/infra/queue"
)

// EntityUpdate — полезная нагрузка очереди entity_queue.
type EntityUpdate struct {
	Type      string `json:"type"` // "user" | "group"
	UID       int64  `json:"uid,omitempty"`
	MasterUID int64  `json:"master_uid,omitempty"`
	GID       int64  `json:"gid,omitempty"`
	First     string `json:"first,omitempty"`
	Last      string `json:"last,omitempty"`
	Username  string `json:"username,omitempty"`
	Lang      string `json:"lang,omitempty"`
	Name      string `json:"name,omitempty"`
	Link      string `json:"link,omitempty"`
}

// InsertTask — полезная нагрузка очереди insert_queue (Insert worker, C6).
type InsertTask struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	UID       int64  `json:"uid,omitempty"`
	Text      string `json:"text"`
	Date      int64  `json:"date"` // unix seconds, UTC
	Flag      int    `json:"flag"`
	FindLink  bool   `json:"find_link"`
}

// Gateway — асинхронный фасад над сущностным хранилищем.
type Gateway struct {
	entityQueue   queue.Queue
	insertQueue   queue.Queue
	findLinkQueue queue.Queue
}

// New конструирует Gateway поверх трёх уже созданных очередей. Очереди
// создаются по соглашению воркер-фабрики (имя класса + "_queue") в
// internal/app, который владеет клиентом Redis.
func New(entityQueue, insertQueue, findLinkQueue queue.Queue) *Gateway {
	return &Gateway{entityQueue: entityQueue, insertQueue: insertQueue, findLinkQueue: findLinkQueue}
}

// UpdateUser ставит задачу на обновление пользователя; не блокируется на БД.
func (g *Gateway) UpdateUser(ctx context.Context, uid int64, first, last, username, lang string) error {
	payload, err := json.Marshal(EntityUpdate{
		Type: "user", UID: uid, First: first, Last: last, Username: username, Lang: lang,
	})
	if err != nil {
		return err
	}
	return g.entityQueue.Put(ctx, string(payload))
}

// UpdateGroup ставит задачу на обновление группы.
func (g *Gateway) UpdateGroup(ctx context.Context, masterUID, gid int64, name, link string) error {
	payload, err := json.Marshal(EntityUpdate{
		Type: "group", MasterUID: masterUID, GID: gid, Name: name, Link: link,
	})
	if err != nil {
		return err
	}
	return g.entityQueue.Put(ctx, string(payload))
}

// InsertMessage нормализует date к unix-секундам UTC, ставит задачу Insert и,
// если findLink, дублирует текст в очередь обнаружения ссылок.
// findLink=false используется дозагрузкой истории, чтобы не зациклить
// повторное обнаружение уже известных ссылок.
func (g *Gateway) InsertMessage(ctx context.Context, chatID, messageID, uid int64, text string, date time.Time, flag int, findLink bool) error {
	task := InsertTask{
		ChatID: chatID, MessageID: messageID, UID: uid, Text: text,
		Date: date.UTC().Unix(), Flag: flag, FindLink: findLink,
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if err := g.insertQueue.Put(ctx, string(payload)); err != nil {
		return err
	}
	if findLink {
		return g.findLinkQueue.Put(ctx, text)
	}
	return nil
}
