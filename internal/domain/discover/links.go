// Package discover реализует обнаружение ссылок и приём в обработку (C7) и
// контроль допуска/вступления (C8): извлечение публичных и приватных ссылок
// Telegram из текста, подавление повторной обработки через окно недавно
// виденных ссылок, оценку кандидатов (язык, размер) и арбитраж между
// аккаунтами при вступлении.
package discover

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"regexp"
	"strings"

	"telegram-ingest-fabric/internal/infra/rediskit"

	"github.com/biter777/countries"
)

var (
	publicRe   = regexp.MustCompile(`t(?:elegram)?\.me/([a-zA-Z][\w\d]{3,30}[a-zA-Z\d])`)
	publicAtRe = regexp.MustCompile(`@([a-zA-Z][\w\d]{3,30}[a-zA-Z\d])`)
	inviteRe   = regexp.MustCompile(`t(?:elegram)?\.me/joinchat/([a-zA-Z0-9_-]{22})`)
)

// Candidate is one extracted, not-yet-processed link.
type Candidate struct {
	Kind     string // "public" | "private"
	Token    string // username for public, invite hash for private
}

// ExtractLinks pulls every public/private link mention out of text via
// two regex pairs. Order: invite links first, matching the original's scan
// order. The generic public regex also matches the "joinchat" path segment
// of an invite link, so that match is skipped rather than reported as a
// public username.
func ExtractLinks(text string) []Candidate {
	var out []Candidate
	for _, m := range inviteRe.FindAllStringSubmatch(text, -1) {
		out = append(out, Candidate{Kind: "private", Token: m[1]})
	}
	for _, m := range publicRe.FindAllStringSubmatch(text, -1) {
		if strings.EqualFold(m[1], "joinchat") {
			continue
		}
		out = append(out, Candidate{Kind: "public", Token: m[1]})
	}
	for _, m := range publicAtRe.FindAllStringSubmatch(text, -1) {
		out = append(out, Candidate{Kind: "public", Token: m[1]})
	}
	return out
}

// RecentLinks wraps the rolling-TTL set `recent_found_links` (24h) used to
// suppress reprocessing of a token already seen recently.
type RecentLinks struct {
	set *rediskit.ExpiringSet
}

func NewRecentLinks(set *rediskit.ExpiringSet) *RecentLinks {
	return &RecentLinks{set: set}
}

// Seen reports whether token was already processed recently, touching its
// TTL if so (ExpiringSet.Contains's rolling-window semantics).
func (r *RecentLinks) Seen(ctx context.Context, token string) (bool, error) {
	return r.set.Contains(ctx, token)
}

func (r *RecentLinks) MarkSeen(ctx context.Context, token string) error {
	return r.set.Add(ctx, token)
}

// ErrInviteDecode is returned by DecodeInvite when the hash does not decode
// to the expected 16-byte layout.
var ErrInviteDecode = errors.New("discover: invite hash does not decode to uid:gid:nonce")

// InviteParts is the decoded payload of a private invite hash.
type InviteParts struct {
	UID   uint32
	GID   uint32
	Nonce uint64
}

// DecodeInvite decodes a 22-character urlsafe-base64 invite hash into its
// 16-byte payload `uid:u32be | gid:u32be | nonce:u64be`.
func DecodeInvite(hash string) (InviteParts, error) {
	raw, err := base64.RawURLEncoding.DecodeString(hash)
	if err != nil {
		// some invite hashes arrive padded; retry with standard encoding.
		raw, err = base64.URLEncoding.DecodeString(hash)
		if err != nil {
			return InviteParts{}, ErrInviteDecode
		}
	}
	if len(raw) != 16 {
		return InviteParts{}, ErrInviteDecode
	}
	return InviteParts{
		UID:   binary.BigEndian.Uint32(raw[0:4]),
		GID:   binary.BigEndian.Uint32(raw[4:8]),
		Nonce: binary.BigEndian.Uint64(raw[8:16]),
	}, nil
}

// CanonicalChatID applies the -100·gid / -gid convention: a decoded gid
// above 1e9 is assumed to be a channel-shaped id.
func CanonicalChatID(gid uint32) int64 {
	if gid > 1_000_000_000 {
		return -100 * int64(gid)
	}
	return -int64(gid)
}

// IsChinese reports whether text contains at least one CJK Unified
// Ideograph code point (U+4E00..U+9FFF).
func IsChinese(text string) bool {
	for _, r := range text {
		if r >= 0x4e00 && r <= 0x9fff {
			return true
		}
	}
	return false
}

// ChineseGroup applies the 10%-of-sample heuristic over a slice of sampled
// message texts (up to the last 100 messages of a chat): Chinese iff the
// Chinese count exceeds ceil(total/10).
func ChineseGroup(title, description string, sampleTexts []string) bool {
	if IsChinese(title) || IsChinese(description) {
		return true
	}
	if len(sampleTexts) == 0 {
		return false
	}
	chinese := 0
	for _, t := range sampleTexts {
		if IsChinese(t) {
			chinese++
		}
	}
	threshold := (len(sampleTexts) + 9) / 10 // ceil(total/10)
	return chinese > threshold
}

// ChineseLocaleTag is the ISO 3166-1 alpha-2 code attached to a detected
// Chinese-language group in admission logs.
func ChineseLocaleTag() string {
	return countries.China.Alpha2()
}

// NormalizeUsername strips a leading "@" if present so public-link tokens
// from either regex variant compare equal.
func NormalizeUsername(token string) string {
	return strings.TrimPrefix(token, "@")
}
