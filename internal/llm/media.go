package llm

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"strings"

	"github.com/disintegration/imaging"
)

const (
	// maxImageBytes is the safety limit for decoded attachment payloads (10MB).
	maxImageBytes = 10 * 1024 * 1024

	// maxImageDimension is the longest side accepted without downscaling.
	maxImageDimension = 2048

	// downscaleJPEGQuality is used when re-encoding oversized images.
	downscaleJPEGQuality = 85
)

// NormalizeAttachments converts inbound image attachments into ImageContent
// ready for vision-capable models. Images above maxImageDimension on their
// longest side are downscaled with Lanczos resampling and re-encoded as
// JPEG; broken or oversized payloads are dropped with a warning.
func NormalizeAttachments(atts []Attachment) []ImageContent {
	if len(atts) == 0 {
		return nil
	}

	var images []ImageContent
	for _, att := range atts {
		if att.Type != "" && att.Type != "image" {
			continue
		}
		if att.Data == "" {
			if att.URL != "" {
				slog.Warn("vision: url-only attachment skipped", "name", att.Name, "url", att.URL)
			}
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			slog.Warn("vision: attachment is not valid base64, skipping", "name", att.Name, "error", err)
			continue
		}
		if len(raw) > maxImageBytes {
			slog.Warn("vision: attachment too large, skipping", "name", att.Name, "size", len(raw))
			continue
		}

		mime := att.MimeType
		if mime == "" {
			mime = http.DetectContentType(raw)
		}
		if !strings.HasPrefix(mime, "image/") {
			slog.Warn("vision: attachment is not an image, skipping", "name", att.Name, "mime", mime)
			continue
		}

		cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
		if err != nil {
			slog.Warn("vision: failed to decode attachment, skipping", "name", att.Name, "error", err)
			continue
		}

		if cfg.Width <= maxImageDimension && cfg.Height <= maxImageDimension {
			images = append(images, ImageContent{MimeType: mime, Data: att.Data})
			continue
		}

		img, err := imaging.Decode(bytes.NewReader(raw))
		if err != nil {
			slog.Warn("vision: failed to decode attachment, skipping", "name", att.Name, "error", err)
			continue
		}
		resized := imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(downscaleJPEGQuality)); err != nil {
			slog.Warn("vision: failed to re-encode attachment, skipping", "name", att.Name, "error", err)
			continue
		}

		slog.Debug("vision: downscaled oversized image",
			"name", att.Name,
			"from", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"to", fmt.Sprintf("%dx%d", resized.Bounds().Dx(), resized.Bounds().Dy()))

		images = append(images, ImageContent{
			MimeType: "image/jpeg",
			Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		})
	}
	return images
}
