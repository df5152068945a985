package ocr

import "testing"

// parseSentinel/fileIDFromFilename/validate back the single-flight OCR
// pipeline (invariant 3) and scenario S3; these are the pure decision
// points around the Redis-backed PROCESSING marker, testable without a
// cache or database.

func TestParseSentinel(t *testing.T) {
	t.Parallel()

	text := OCRSentinel + "\n" + `{"client":1,"photo_id":7,"path":"2026/7","filename":"123-7.jpg"}` + "\nabc"
	desc, caption, ok := parseSentinel(text)
	if !ok {
		t.Fatal("expected sentinel to be recognised")
	}
	if desc.PhotoID != 7 || desc.Path != "2026/7" || desc.Filename != "123-7.jpg" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
	if caption != "abc" {
		t.Fatalf("caption = %q, want abc", caption)
	}
}

func TestParseSentinel_NoSentinel(t *testing.T) {
	t.Parallel()

	_, _, ok := parseSentinel("just a plain message")
	if ok {
		t.Fatal("a message without the sentinel prefix must not be recognised")
	}
}

func TestParseSentinel_NoCaption(t *testing.T) {
	t.Parallel()

	text := OCRSentinel + "\n" + `{"photo_id":1,"path":"p","filename":"1-1.jpg"}`
	_, caption, ok := parseSentinel(text)
	if !ok {
		t.Fatal("expected sentinel to be recognised")
	}
	if caption != "" {
		t.Fatalf("caption = %q, want empty", caption)
	}
}

func TestFileIDFromFilename_BotFileID(t *testing.T) {
	t.Parallel()

	got := fileIDFromFilename(Descriptor{FileID: "AgAD-bot-id"})
	if got != "AgAD-bot-id" {
		t.Fatalf("got %q, want the explicit bot file_id", got)
	}
}

func TestFileIDFromFilename_ClientDerived(t *testing.T) {
	t.Parallel()

	got := fileIDFromFilename(Descriptor{PhotoID: 999, Filename: "1769990400-999.jpg"})
	if got != "999" {
		t.Fatalf("got %q, want 999 (derived from filename)", got)
	}
}

func TestFileIDFromFilename_FallsBackToPhotoID(t *testing.T) {
	t.Parallel()

	got := fileIDFromFilename(Descriptor{PhotoID: 42, Filename: "no-hyphen"})
	if got != "42" {
		t.Fatalf("got %q, want 42 (PhotoID fallback for an unparsable filename)", got)
	}
}

func TestValidate_RejectsGarbage(t *testing.T) {
	t.Parallel()

	if validate([]byte("not an image")) {
		t.Fatal("garbage bytes must not validate as an image")
	}
}
