package discover_test

import (
	"testing"

	"telegram-ingest-fabric/internal/domain/discover"
)

// TestExtractLinks_PublicLink covers scenario S1: a public t.me link
// embedded in ordinary text must be recognised as a public candidate.
func TestExtractLinks_PublicLink(t *testing.T) {
	t.Parallel()

	got := discover.ExtractLinks("hello https://t.me/foo_group world")
	if len(got) != 1 {
		t.Fatalf("ExtractLinks returned %d candidates, want 1: %+v", len(got), got)
	}
	if got[0].Kind != "public" || got[0].Token != "foo_group" {
		t.Fatalf("got %+v, want {public foo_group}", got[0])
	}
}

// TestExtractLinks_PrivateInvite covers scenario S2: a joinchat link is
// recognised as a private invite, distinct from the public regex.
func TestExtractLinks_PrivateInvite(t *testing.T) {
	t.Parallel()

	got := discover.ExtractLinks("t.me/joinchat/AAAAAAAAAAAAAAAAAAAAAA")
	if len(got) != 1 {
		t.Fatalf("ExtractLinks returned %d candidates, want 1: %+v", len(got), got)
	}
	if got[0].Kind != "private" || got[0].Token != "AAAAAAAAAAAAAAAAAAAAAA" {
		t.Fatalf("got %+v, want private invite hash", got[0])
	}
}

func TestExtractLinks_AtMention(t *testing.T) {
	t.Parallel()

	got := discover.ExtractLinks("check out @some_channel please")
	if len(got) != 1 || got[0].Kind != "public" || got[0].Token != "some_channel" {
		t.Fatalf("got %+v, want one public candidate some_channel", got)
	}
}

// TestDecodeInvite_S2Example decodes the exact invite hash used in scenario
// S2 ("…extractUidGidFromLink returns three integers").
func TestDecodeInvite_S2Example(t *testing.T) {
	t.Parallel()

	parts, err := discover.DecodeInvite("AAAAAAAAAAAAAAAAAAAAAA")
	if err != nil {
		t.Fatalf("DecodeInvite: %v", err)
	}
	if parts.UID != 0 || parts.GID != 0 || parts.Nonce != 0 {
		t.Fatalf("got %+v, want all-zero payload for an all-'A' hash", parts)
	}
}

func TestDecodeInvite_InvalidLength(t *testing.T) {
	t.Parallel()

	if _, err := discover.DecodeInvite("tooshort"); err != discover.ErrInviteDecode {
		t.Fatalf("err = %v, want ErrInviteDecode", err)
	}
}

func TestCanonicalChatID(t *testing.T) {
	t.Parallel()

	if got := discover.CanonicalChatID(42); got != -42 {
		t.Fatalf("plain group gid 42 -> %d, want -42", got)
	}
	if got := discover.CanonicalChatID(1_234_567_890); got != -100*1_234_567_890 {
		t.Fatalf("channel-shaped gid -> %d, want %d", got, -100*int64(1_234_567_890))
	}
}

func TestNormalizeUsername(t *testing.T) {
	t.Parallel()

	if got := discover.NormalizeUsername("@foo"); got != "foo" {
		t.Fatalf("got %q, want foo", got)
	}
	if got := discover.NormalizeUsername("foo"); got != "foo" {
		t.Fatalf("got %q, want foo (no-op without @)", got)
	}
}

func TestChineseGroup_TitleOverride(t *testing.T) {
	t.Parallel()

	if !discover.ChineseGroup("中文频道", "", nil) {
		t.Fatal("a Chinese title alone must classify the group as Chinese")
	}
}

func TestChineseGroup_SampleThreshold(t *testing.T) {
	t.Parallel()

	// 10 samples; threshold is ceil(10/10) = 1, so strictly more than 1
	// Chinese sample (i.e. >= 2) is required to trip the heuristic.
	samples := make([]string, 10)
	for i := range samples {
		samples[i] = "hello"
	}
	samples[0] = "你好"
	if discover.ChineseGroup("", "", samples) {
		t.Fatal("exactly one Chinese sample out of ten must not cross the threshold")
	}
	samples[1] = "大家好"
	if !discover.ChineseGroup("", "", samples) {
		t.Fatal("two Chinese samples out of ten must cross the ceil(n/10) threshold")
	}
}

func TestChineseGroup_EmptySample(t *testing.T) {
	t.Parallel()

	if discover.ChineseGroup("", "", nil) {
		t.Fatal("no title, description or sample must not be classified as Chinese")
	}
}
