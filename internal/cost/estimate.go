package cost

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rawblock/inference-gateway/pkg/models"
)

// Estimator produces a lower bound on prompt tokens for a request body.
// Text is counted at one token per three characters; images go through the
// tile formula used by vision-capable chat models. The estimate only ever
// shrinks a reservation, so erring low is safe for the payer and the
// conservative ceiling still protects the node.
type Estimator struct {
	client *http.Client
}

const (
	charsPerToken = 3

	imageBaseTokens = 85
	imageTileTokens = 170
	imageFetchLimit = 1 << 20 // enough for headers of any sane format
	imageFetchWait  = 5 * time.Second

	// The rescale ladder caps any image at a 2048x768 footprint, which tiles
	// to at most 4x2 of the 512px squares.
	imageMaxTiles        = 8
	imageWorstCaseTokens = imageBaseTokens + imageTileTokens*imageMaxTiles
)

func NewEstimator() *Estimator {
	return &Estimator{client: &http.Client{Timeout: imageFetchWait}}
}

// PromptTokens estimates the prompt size of a chat request.
func (e *Estimator) PromptTokens(ctx context.Context, req *models.ChatRequest) int64 {
	var total int64
	for _, msg := range req.Messages {
		for _, part := range msg.Parts() {
			switch {
			case part.Text != "":
				total += int64(len(part.Text)) / charsPerToken
			case part.ImageURL != nil:
				total += e.imageTokens(ctx, part.ImageURL)
			}
		}
	}
	return total
}

func (e *Estimator) imageTokens(ctx context.Context, ref *models.ImageRef) int64 {
	if ref.Detail == "low" {
		return imageBaseTokens
	}
	w, h, err := e.imageDimensions(ctx, ref.URL)
	if err != nil {
		log.Printf("[Cost] Image dimension probe failed, assuming worst case: %v", err)
		// Unknown size: count the maximum tile spend so the reservation keeps
		// covering whatever the upstream ends up billing for it.
		return imageWorstCaseTokens
	}
	return TileTokens(w, h)
}

// TileTokens applies the two-stage rescale and 512px tiling formula:
// fit within 2048x2048, then bring the short side down to 768, both
// preserving aspect ratio.
func TileTokens(w, h int) int64 {
	if w <= 0 || h <= 0 {
		return 0
	}
	fw, fh := float64(w), float64(h)

	if fw > 2048 || fh > 2048 {
		scale := 2048 / math.Max(fw, fh)
		fw *= scale
		fh *= scale
	}
	if math.Min(fw, fh) > 768 {
		scale := 768 / math.Min(fw, fh)
		fw *= scale
		fh *= scale
	}

	tiles := math.Ceil(fw/512) * math.Ceil(fh/512)
	return imageBaseTokens + imageTileTokens*int64(tiles)
}

// imageDimensions resolves width and height from a data URL's base64 payload
// or a short ranged GET against a remote URL.
func (e *Estimator) imageDimensions(ctx context.Context, url string) (int, int, error) {
	if strings.HasPrefix(url, "data:") {
		idx := strings.Index(url, "base64,")
		if idx < 0 {
			return 0, 0, image.ErrFormat
		}
		payload, err := base64.StdEncoding.DecodeString(url[idx+len("base64,"):])
		if err != nil {
			return 0, 0, err
		}
		return decodeDimensions(bytes.NewReader(payload))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	defer resp.Body.Close()
	return decodeDimensions(io.LimitReader(resp.Body, imageFetchLimit))
}

func decodeDimensions(r io.Reader) (int, int, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
