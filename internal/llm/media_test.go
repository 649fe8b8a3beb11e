package llm

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/png"
	"testing"
)

// encodePNG builds a w×h PNG and returns it base64-encoded.
func encodePNG(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

// decodeDims decodes a base64 image payload and returns its dimensions.
func decodeDims(t *testing.T, data string) (int, int) {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode image: %v", err)
	}
	return cfg.Width, cfg.Height
}

// TestNormalizeAttachments_PassthroughSmall verifies that images within the
// size limit keep their original encoding and MIME type.
func TestNormalizeAttachments_PassthroughSmall(t *testing.T) {
	data := encodePNG(t, 10, 10)
	images := NormalizeAttachments([]Attachment{
		{Type: "image", Name: "tiny.png", MimeType: "image/png", Data: data},
	})
	if len(images) != 1 {
		t.Fatalf("images = %d, want 1", len(images))
	}
	if images[0].MimeType != "image/png" {
		t.Errorf("mime = %q, want image/png", images[0].MimeType)
	}
	if images[0].Data != data {
		t.Error("small image should pass through unmodified")
	}
}

// TestNormalizeAttachments_DownscalesOversized verifies that an image wider
// than the limit is downscaled to 2048 on its longest side and re-encoded
// as JPEG.
func TestNormalizeAttachments_DownscalesOversized(t *testing.T) {
	images := NormalizeAttachments([]Attachment{
		{Type: "image", Name: "wide.png", MimeType: "image/png", Data: encodePNG(t, 2500, 500)},
	})
	if len(images) != 1 {
		t.Fatalf("images = %d, want 1", len(images))
	}
	if images[0].MimeType != "image/jpeg" {
		t.Errorf("mime = %q, want image/jpeg", images[0].MimeType)
	}
	w, h := decodeDims(t, images[0].Data)
	if w != maxImageDimension {
		t.Errorf("width = %d, want %d", w, maxImageDimension)
	}
	if h > maxImageDimension {
		t.Errorf("height = %d, want <= %d", h, maxImageDimension)
	}
}

// TestNormalizeAttachments_SniffsMime verifies that a missing MIME type is
// detected from the payload.
func TestNormalizeAttachments_SniffsMime(t *testing.T) {
	images := NormalizeAttachments([]Attachment{
		{Type: "image", Name: "mystery", Data: encodePNG(t, 8, 8)},
	})
	if len(images) != 1 {
		t.Fatalf("images = %d, want 1", len(images))
	}
	if images[0].MimeType != "image/png" {
		t.Errorf("sniffed mime = %q, want image/png", images[0].MimeType)
	}
}

// TestNormalizeAttachments_DropsBroken verifies that invalid base64,
// non-image payloads and empty attachments are dropped rather than
// propagated.
func TestNormalizeAttachments_DropsBroken(t *testing.T) {
	images := NormalizeAttachments([]Attachment{
		{Type: "image", Name: "bad-base64", Data: "!!not base64!!"},
		{Type: "image", Name: "not-an-image", Data: base64.StdEncoding.EncodeToString([]byte("hello world, plain text"))},
		{Type: "image", Name: "empty"},
		{Type: "file", Name: "doc.pdf", Data: "aGk="},
	})
	if len(images) != 0 {
		t.Errorf("images = %d, want 0", len(images))
	}
}

// TestNormalizeAttachments_Empty verifies nil in, nil out.
func TestNormalizeAttachments_Empty(t *testing.T) {
	if got := NormalizeAttachments(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
