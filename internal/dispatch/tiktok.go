package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"wabot/internal/transport"
)

// VideoFetcher resolves a short-video URL into downloadable media.
type VideoFetcher interface {
	Fetch(ctx context.Context, videoURL string) (transport.Media, string, error)
}

const defaultResolverURL = "https://api.tiklydown.eu.org/api/download"

// maxVideoBytes bounds a single fetched video.
const maxVideoBytes = 64 << 20

// HTTPVideoFetcher resolves TikTok links through a public resolver API that
// returns a watermark-free download URL.
type HTTPVideoFetcher struct {
	Client      *http.Client
	ResolverURL string
}

func NewVideoFetcher() *HTTPVideoFetcher {
	return &HTTPVideoFetcher{
		Client:      &http.Client{Timeout: 90 * time.Second},
		ResolverURL: defaultResolverURL,
	}
}

type resolverResponse struct {
	Title string `json:"title"`
	Video struct {
		NoWatermark string `json:"noWatermark"`
	} `json:"video"`
}

func (f *HTTPVideoFetcher) Fetch(ctx context.Context, videoURL string) (transport.Media, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		f.ResolverURL+"?url="+url.QueryEscape(videoURL), nil)
	if err != nil {
		return transport.Media{}, "", err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return transport.Media{}, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return transport.Media{}, "", fmt.Errorf("resolver status %d", resp.StatusCode)
	}

	var rr resolverResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rr); err != nil {
		return transport.Media{}, "", fmt.Errorf("resolver decode: %w", err)
	}
	if rr.Video.NoWatermark == "" {
		return transport.Media{}, "", fmt.Errorf("no downloadable video in resolver response")
	}

	vreq, err := http.NewRequestWithContext(ctx, http.MethodGet, rr.Video.NoWatermark, nil)
	if err != nil {
		return transport.Media{}, "", err
	}
	vresp, err := f.Client.Do(vreq)
	if err != nil {
		return transport.Media{}, "", err
	}
	defer vresp.Body.Close()
	if vresp.StatusCode != http.StatusOK {
		return transport.Media{}, "", fmt.Errorf("video fetch status %d", vresp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(vresp.Body, maxVideoBytes))
	if err != nil {
		return transport.Media{}, "", err
	}

	return transport.Media{
		Kind:     transport.MediaVideo,
		MimeType: "video/mp4",
		Data:     data,
		Filename: "tiktok-video.mp4",
	}, rr.Title, nil
}
