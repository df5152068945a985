// Package telegram holds the raw tg.Client-backed collaborators that the
// domain packages (discover, ocr, backfill) only see as injected function
// types. Keeping them here, next to core.ClientCore, preserves the split
// between "thin gotd wrapper" (core) and "domain glue" (the rest of
// internal/adapters/telegram): the domain packages stay free of any
// gotd/td import, this file is the only place that translates between
// tg.* wire types and the domain's plain Go signatures.
package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"telegram-ingest-fabric/internal/domain/backfill"
	"telegram-ingest-fabric/internal/domain/discover"
	"telegram-ingest-fabric/internal/domain/ocr"
	"telegram-ingest-fabric/internal/infra/ingesterror"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// Collaborators bundles the tg.Client-backed callbacks that discover.Gate,
// ocr.Coordinator and backfill.Worker need, built once against the
// invoker's API client and peer resolver.
type Collaborators struct {
	api *tg.Client
}

func NewCollaborators(api *tg.Client) *Collaborators {
	return &Collaborators{api: api}
}

// resolveChannel resolves a bare username (no @, no t.me/) to an
// InputChannel, following the same ContactsResolveUsername path every
// gotd/td client uses before any Channels* RPC that takes a username.
func (c *Collaborators) resolveChannel(ctx context.Context, username string) (*tg.InputChannel, error) {
	resp, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, ingesterror.New(ingesterror.Transient, err)
	}
	for _, ch := range resp.Chats {
		if channel, ok := ch.(*tg.Channel); ok {
			return &tg.InputChannel{ChannelID: channel.ID, AccessHash: channel.AccessHash}, nil
		}
	}
	return nil, ingesterror.New(ingesterror.NotFound, fmt.Errorf("username %q did not resolve to a channel/supergroup", username))
}

// resolveChannelKey resolves a probe key, which is either "@username" (the
// admitPublic path — the chat has never been seen, only its username is
// known) or a decimal gid (the admitPrivate path — the invite hash already
// decoded to a real channel id).
func (c *Collaborators) resolveChannelKey(ctx context.Context, key string) (*tg.InputChannel, error) {
	if strings.HasPrefix(key, "@") {
		return c.resolveChannel(ctx, strings.TrimPrefix(key, "@"))
	}
	gid, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return nil, ingesterror.New(ingesterror.Programmer, fmt.Errorf("probe key %q is neither @username nor a gid", key))
	}
	channelID, accessHash, ok := c.lookupChannel(ctx, gid)
	if !ok {
		return nil, ingesterror.New(ingesterror.NotFound, fmt.Errorf("gid %d not resolvable", gid))
	}
	return &tg.InputChannel{ChannelID: channelID, AccessHash: accessHash}, nil
}

// ProbeMemberCount implements discover.GateConfig.ProbeMemberCount: resolves
// the probe key and reads ChannelsGetFullChannel's ParticipantsCount.
func (c *Collaborators) ProbeMemberCount(ctx context.Context, key string) (int, error) {
	ch, err := c.resolveChannelKey(ctx, key)
	if err != nil {
		return 0, err
	}
	full, err := c.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash})
	if err != nil {
		return 0, ingesterror.New(ingesterror.Transient, err)
	}
	cf, ok := full.FullChat.(*tg.ChannelFull)
	if !ok {
		return 0, ingesterror.New(ingesterror.Transient, fmt.Errorf("unexpected full chat type %T", full.FullChat))
	}
	return cf.ParticipantsCount, nil
}

// ProbeChineseness fetches the channel's title/about plus a sample of
// recent message texts, feeding discover.ChineseGroup's heuristic.
func (c *Collaborators) ProbeChineseness(ctx context.Context, key string) (title, description string, sample []string, err error) {
	ch, rerr := c.resolveChannelKey(ctx, key)
	if rerr != nil {
		return "", "", nil, rerr
	}
	full, ferr := c.api.ChannelsGetFullChannel(ctx, &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash})
	if ferr != nil {
		return "", "", nil, ingesterror.New(ingesterror.Transient, ferr)
	}
	cf, ok := full.FullChat.(*tg.ChannelFull)
	if !ok {
		return "", "", nil, ingesterror.New(ingesterror.Transient, fmt.Errorf("unexpected full chat type %T", full.FullChat))
	}
	for _, chat := range full.Chats {
		if channel, ok := chat.(*tg.Channel); ok && channel.ID == ch.ChannelID {
			title = channel.Title
			break
		}
	}

	hist, herr := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  &tg.InputPeerChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash},
		Limit: 100,
	})
	if herr == nil {
		if full, ok := hist.(*tg.MessagesChannelMessages); ok {
			for _, m := range full.Messages {
				if msg, ok := m.(*tg.Message); ok && utf8.ValidString(msg.Message) {
					sample = append(sample, msg.Message)
				}
			}
		}
	}
	return title, cf.About, sample, nil
}

// CheckInvite implements discover.GateConfig.CheckInvite via
// MessagesCheckChatInvite.
func (c *Collaborators) CheckInvite(ctx context.Context, hash string) (*discover.InviteProbe, error) {
	resp, err := c.api.MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return nil, ingesterror.New(ingesterror.Transient, err)
	}
	switch v := resp.(type) {
	case *tg.ChatInviteAlready:
		gid := int64(0)
		title := ""
		if ch, ok := v.Chat.(*tg.Channel); ok {
			gid = discover.CanonicalChatID(uint32(ch.ID))
			title = ch.Title
		}
		return &discover.InviteProbe{GID: gid, Title: title}, nil
	case *tg.ChatInvite:
		return &discover.InviteProbe{Title: v.Title}, nil
	case *tg.ChatInvitePeek:
		title := ""
		if ch, ok := v.Chat.(*tg.Channel); ok {
			title = ch.Title
		}
		return &discover.InviteProbe{Title: title}, nil
	default:
		return &discover.InviteProbe{Invalid: true}, nil
	}
}

// JoinPublic implements the Join worker's joinPublic callback.
func (c *Collaborators) JoinPublic(ctx context.Context, username string) error {
	ch, err := c.resolveChannel(ctx, username)
	if err != nil {
		return err
	}
	_, err = c.api.ChannelsJoinChannel(ctx, &tg.InputChannel{ChannelID: ch.ChannelID, AccessHash: ch.AccessHash})
	return classifyJoinErr(err)
}

// JoinPrivate implements the Join worker's joinPrivate callback.
func (c *Collaborators) JoinPrivate(ctx context.Context, hash string) error {
	_, err := c.api.MessagesImportChatInvite(ctx, hash)
	return classifyJoinErr(err)
}

// Leave implements the /leave admin command's collaborator.
func (c *Collaborators) Leave(ctx context.Context, gid int64) error {
	channelID, accessHash, ok := c.lookupChannel(ctx, gid)
	if !ok {
		return ingesterror.New(ingesterror.NotFound, fmt.Errorf("group %d not resolvable", gid))
	}
	_, err := c.api.ChannelsLeaveChannel(ctx, &tg.InputChannel{ChannelID: channelID, AccessHash: accessHash})
	if err != nil {
		return ingesterror.New(ingesterror.Transient, err)
	}
	return nil
}

// lookupChannel derives (channelID, accessHash) from a canonical chat_id,
// re-resolving the access hash via ChannelsGetChannels since discover's
// canonical ids carry no hash of their own.
func (c *Collaborators) lookupChannel(ctx context.Context, gid int64) (int64, int64, bool) {
	channelID := -gid
	if channelID > 1_000_000_000_000 {
		channelID -= 1_000_000_000_000
	}
	resp, err := c.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{&tg.InputChannel{ChannelID: channelID}})
	if err != nil {
		return 0, 0, false
	}
	for _, ch := range resp.GetChats() {
		if channel, ok := ch.(*tg.Channel); ok && channel.ID == channelID {
			return channel.ID, channel.AccessHash, true
		}
	}
	return 0, 0, false
}

// classifyJoinErr maps gotd/td's tagged RPC errors (tgerr) onto the
// pipeline's own IngestError taxonomy.
func classifyJoinErr(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *tgerr.Error
	switch {
	case tgerr.As(err, &rpcErr) && rpcErr.Type == "CHANNELS_TOO_MUCH":
		return ingesterror.New(ingesterror.QuotaExhausted, err)
	case tgerr.Is(err, "FLOOD_WAIT"):
		seconds := 30
		if rpcErr != nil {
			seconds = rpcErr.Argument
		}
		return ingesterror.Wait(seconds, "join", err)
	case tgerr.Is(err, "USER_ALREADY_PARTICIPANT"):
		return nil
	case tgerr.Is(err, "INVITE_HASH_EXPIRED", "USERNAME_INVALID", "USERNAME_NOT_OCCUPIED"):
		return ingesterror.New(ingesterror.NotFound, err)
	default:
		return ingesterror.New(ingesterror.Transient, err)
	}
}

func senderUID(msg *tg.Message) int64 {
	if p, ok := msg.FromID.(*tg.PeerUser); ok {
		return p.UserID
	}
	return 0
}

func unixTime(date int) time.Time {
	return time.Unix(int64(date), 0)
}

// Downloader adapts the invoker's tg.Client to ocr.Downloader for user
// (MTProto) accounts. Bot-account downloads go through DownloadByFileID
// instead (Bot API file path), which this type refuses — the orchestrator
// picks whichever of the two satisfies ocr.Downloader for a given account.
type Downloader struct {
	api *tg.Client
}

func NewDownloader(api *tg.Client) *Downloader { return &Downloader{api: api} }

func (d *Downloader) DownloadLocation(ctx context.Context, desc ocr.Descriptor) ([]byte, error) {
	loc := &tg.InputPhotoFileLocation{
		ID:            desc.PhotoID,
		AccessHash:    desc.AccessHash,
		FileReference: desc.FileReference,
		ThumbSize:     "x",
	}
	var out []byte
	offset := int64(0)
	const chunk = 512 * 1024
	for {
		resp, err := d.api.UploadGetFile(ctx, &tg.UploadGetFileRequest{
			Location: loc,
			Offset:   offset,
			Limit:    chunk,
		})
		if err != nil {
			return nil, ingesterror.New(ingesterror.Transient, err)
		}
		f, ok := resp.(*tg.UploadFile)
		if !ok {
			return nil, ingesterror.New(ingesterror.Transient, fmt.Errorf("unexpected upload.File variant %T", resp))
		}
		out = append(out, f.Bytes...)
		if int64(len(f.Bytes)) < chunk {
			break
		}
		offset += chunk
	}
	return out, nil
}

func (d *Downloader) DownloadByFileID(ctx context.Context, fileID string) ([]byte, error) {
	return nil, ingesterror.New(ingesterror.Programmer, fmt.Errorf("file_id download requires a Bot API client, not the MTProto downloader: %s", fileID))
}

// Pager adapts the invoker's tg.Client to backfill.Pager via
// MessagesGetHistory, paging strictly backward (add_offset=0, offset_id and
// max_id both set to the caller's cursor, descending by message id). clientUID tags the
// photo descriptor the same way live ingress's photoLocationOf does.
func Pager(api *tg.Client, clientUID int64) backfill.Pager {
	return func(ctx context.Context, gid, offsetID int64) (backfill.Page, error) {
		channelID := -gid
		if channelID > 1_000_000_000_000 {
			channelID -= 1_000_000_000_000
		}
		resp, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:     &tg.InputPeerChannel{ChannelID: channelID},
			OffsetID: int(offsetID),
			MaxID:    int(offsetID),
			Limit:    100,
		})
		if err != nil {
			return backfill.Page{}, ingesterror.New(ingesterror.Transient, err)
		}
		msgs, ok := resp.(*tg.MessagesChannelMessages)
		if !ok {
			return backfill.Page{}, ingesterror.New(ingesterror.Transient, fmt.Errorf("unexpected messages.Messages variant %T", resp))
		}
		page := backfill.Page{Exhausted: len(msgs.Messages) == 0}
		for _, m := range msgs.Messages {
			msg, ok := m.(*tg.Message)
			if !ok {
				continue
			}
			media, isPhoto := msg.GetMedia().(*tg.MessageMediaPhoto)
			page.Messages = append(page.Messages, backfill.PageMessage{
				MessageID: int64(msg.ID),
				SenderUID: senderUID(msg),
				Text:      msg.Message,
				Date:      unixTime(msg.Date),
				IsPhoto:   isPhoto,
				Photo:     photoDescriptorOf(media, isPhoto, clientUID),
			})
		}
		return page, nil
	}
}

// photoDescriptorOf builds the OCR descriptor for a back-filled photo
// message, mirroring updates.photoLocationOf: only a resolved *tg.Photo
// carries the access_hash/file_reference a later download needs, so a
// media value that isn't a photo (or a photo the gotd decoder couldn't
// resolve) yields nil rather than a descriptor OCR could never fetch.
func photoDescriptorOf(media *tg.MessageMediaPhoto, isPhoto bool, clientUID int64) *backfill.PhotoDescriptor {
	if !isPhoto || media == nil {
		return nil
	}
	p, ok := media.Photo.(*tg.Photo)
	if !ok {
		return nil
	}
	now := time.Now()
	return &backfill.PhotoDescriptor{
		ClientUID:     clientUID,
		PhotoID:       p.ID,
		AccessHash:    p.AccessHash,
		FileReference: base64.StdEncoding.EncodeToString(p.FileReference),
		DCID:          p.DCID,
		Path:          fmt.Sprintf("%d/%d", now.Year(), int(now.Month())),
		Filename:      fmt.Sprintf("%d-%d.jpg", now.Unix(), p.ID),
	}
}
