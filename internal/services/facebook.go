package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dzvin-ua/site-backend/internal/config"
)

// FacebookService pulls the page feed from the Graph API.
type FacebookService struct {
	graphURL    string
	pageID      string
	accessToken string
	client      *http.Client
}

func NewFacebookService(cfg config.Content) *FacebookService {
	return &FacebookService{
		graphURL:    strings.TrimRight(cfg.GraphURL, "/"),
		pageID:      cfg.PageID,
		accessToken: cfg.AccessToken,
		client:      &http.Client{Timeout: 15 * time.Second},
	}
}

type RawMedia struct {
	Image struct {
		Src string `json:"src"`
	} `json:"image"`
}

type RawTarget struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	// FullPicture is resolved with a follow-up Graph call for shared posts.
	FullPicture string `json:"-"`
}

type RawAttachment struct {
	Type           string     `json:"type"`
	Media          *RawMedia  `json:"media"`
	Target         *RawTarget `json:"target"`
	Subattachments struct {
		Data []RawAttachment `json:"data"`
	} `json:"subattachments"`
}

type RawPost struct {
	ID           string `json:"id"`
	Message      string `json:"message"`
	CreatedTime  string `json:"created_time"`
	PermalinkURL string `json:"permalink_url"`
	FullPicture  string `json:"full_picture"`
	Attachments  struct {
		Data []RawAttachment `json:"data"`
	} `json:"attachments"`
}

type feedResponse struct {
	Data  []RawPost `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// FetchPosts pulls the current page feed. Shared posts get their target's
// picture resolved so the image fallback chain has something to use.
func (s *FacebookService) FetchPosts(ctx context.Context) ([]RawPost, error) {
	q := url.Values{}
	q.Set("fields", "message,created_time,permalink_url,full_picture,attachments{type,media,target,subattachments}")
	q.Set("limit", "25")
	q.Set("access_token", s.accessToken)

	u := fmt.Sprintf("%s/%s/posts?%s", s.graphURL, s.pageID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed request: %v", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed request failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed request failed: status %d: %s", resp.StatusCode, string(body))
	}

	var feed feedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to decode feed response: %v", err)
	}
	if feed.Error != nil {
		return nil, fmt.Errorf("graph error %d: %s", feed.Error.Code, feed.Error.Message)
	}

	for i := range feed.Data {
		s.resolveShareTargets(ctx, &feed.Data[i])
	}
	return feed.Data, nil
}

// resolveShareTargets fills Target.FullPicture for share attachments that
// carry no media of their own. Failures are logged and leave the image empty.
func (s *FacebookService) resolveShareTargets(ctx context.Context, post *RawPost) {
	for i := range post.Attachments.Data {
		att := &post.Attachments.Data[i]
		if att.Type != "share" || att.Target == nil || att.Target.ID == "" {
			continue
		}
		if att.Media != nil && att.Media.Image.Src != "" {
			continue
		}
		pic, err := s.fetchTargetPicture(ctx, att.Target.ID)
		if err != nil {
			log.Printf("Failed to resolve share target %s: %v", att.Target.ID, err)
			continue
		}
		att.Target.FullPicture = pic
	}
}

func (s *FacebookService) fetchTargetPicture(ctx context.Context, targetID string) (string, error) {
	q := url.Values{}
	q.Set("fields", "full_picture")
	q.Set("access_token", s.accessToken)

	u := fmt.Sprintf("%s/%s?%s", s.graphURL, targetID, q.Encode())
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var target struct {
		FullPicture string `json:"full_picture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return "", err
	}
	return target.FullPicture, nil
}
