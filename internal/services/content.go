package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/dzvin-ua/site-backend/internal/config"
	"github.com/dzvin-ua/site-backend/internal/metrics"
	"github.com/dzvin-ua/site-backend/internal/models"
	"github.com/dzvin-ua/site-backend/internal/store"
)

// ErrNotReady signals that the derived-language cache does not exist yet and
// the caller should refresh the source language first.
var ErrNotReady = errors.New("translation not ready")

// FeedSource fetches raw posts from the upstream page.
type FeedSource interface {
	FetchPosts(ctx context.Context) ([]RawPost, error)
}

// Translator translates a batch of texts in a single provider call.
type Translator interface {
	Translate(ctx context.Context, texts []string, source, target string) ([]string, error)
}

// KVCache is the keyed snapshot store backing the content cache.
type KVCache interface {
	CacheGet(ctx context.Context, key string) ([]byte, time.Time, error)
	CachePut(ctx context.Context, key string, value []byte, at time.Time) error
}

type ContentService struct {
	cache      KVCache
	feed       FeedSource
	translator Translator
	cfg        config.Content
}

func NewContentService(cache KVCache, feed FeedSource, translator Translator, cfg config.Content) *ContentService {
	return &ContentService{cache: cache, feed: feed, translator: translator, cfg: cfg}
}

func cacheKey(lang string) string { return "posts:" + lang }

// Posts serves the cached collection for a language. The source language may
// hit upstream; the derived language is read-only and never translates
// synchronously.
func (s *ContentService) Posts(ctx context.Context, lang string, refresh bool) (*models.CachedCollection, error) {
	switch lang {
	case s.cfg.TargetLang:
		return s.derivedPosts(ctx)
	case s.cfg.SourceLang, "":
		return s.sourcePosts(ctx, refresh)
	default:
		return nil, fmt.Errorf("%w: unsupported language %q", ErrInvalid, lang)
	}
}

func (s *ContentService) derivedPosts(ctx context.Context) (*models.CachedCollection, error) {
	col, err := s.readCollection(ctx, cacheKey(s.cfg.TargetLang))
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) {
			metrics.CacheTotal.WithLabelValues(s.cfg.TargetLang, "miss").Inc()
			return nil, ErrNotReady
		}
		return nil, err
	}
	metrics.CacheTotal.WithLabelValues(s.cfg.TargetLang, "hit").Inc()
	return col, nil
}

func (s *ContentService) sourcePosts(ctx context.Context, refresh bool) (*models.CachedCollection, error) {
	key := cacheKey(s.cfg.SourceLang)

	cached, err := s.readCollection(ctx, key)
	if err != nil && !errors.Is(err, store.ErrCacheMiss) {
		return nil, err
	}

	if cached != nil && !refresh && time.Since(cached.CachedAt) < s.cfg.CacheMaxAge {
		metrics.CacheTotal.WithLabelValues(s.cfg.SourceLang, "hit").Inc()
		return cached, nil
	}

	raw, err := s.feed.FetchPosts(ctx)
	if err != nil {
		if cached != nil {
			// Stale-but-valid beats a hard failure on the read path.
			metrics.CacheTotal.WithLabelValues(s.cfg.SourceLang, "stale_fallback").Inc()
			log.Printf("Feed fetch failed, serving stale cache: %v", err)
			return cached, nil
		}
		metrics.CacheTotal.WithLabelValues(s.cfg.SourceLang, "error").Inc()
		return nil, fmt.Errorf("feed fetch failed: %v", err)
	}

	posts := normalizePosts(raw)
	col := &models.CachedCollection{
		Posts:      posts,
		SourceHash: collectionHash(posts),
		CachedAt:   time.Now(),
	}
	if err := s.writeCollection(ctx, key, col); err != nil {
		return nil, err
	}
	metrics.CacheTotal.WithLabelValues(s.cfg.SourceLang, "refreshed").Inc()

	if refresh || cached == nil || cached.SourceHash != col.SourceHash {
		if err := s.Reconcile(ctx, col); err != nil {
			// The derived cache stays stale until the next attempt succeeds.
			log.Printf("Translation reconciliation failed: %v", err)
		}
	}
	return col, nil
}

// Reconcile brings the derived-language cache in line with the source
// collection, reusing prior translations for items whose content hash is
// unchanged and batch-translating only the rest in one provider call.
func (s *ContentService) Reconcile(ctx context.Context, src *models.CachedCollection) error {
	derived, err := s.readCollection(ctx, cacheKey(s.cfg.TargetLang))
	if err != nil && !errors.Is(err, store.ErrCacheMiss) {
		return err
	}
	if derived != nil && derived.SourceHash == src.SourceHash {
		return nil
	}

	prior := make(map[string]models.Post)
	if derived != nil {
		for _, p := range derived.Posts {
			prior[p.ContentHash] = p
		}
	}

	out := make([]models.Post, len(src.Posts))
	var batch []string
	// slot maps batch indexes back to (post index, field).
	type slot struct {
		post  int
		title bool
	}
	var slots []slot

	for i, p := range src.Posts {
		if old, ok := prior[p.ContentHash]; ok {
			// Reuse the translation verbatim, refresh cosmetic fields only.
			old.Date = p.Date
			old.Link = p.Link
			old.Image = p.Image
			out[i] = old
			continue
		}
		out[i] = p
		if p.Title != "" {
			slots = append(slots, slot{post: i, title: true})
			batch = append(batch, p.Title)
		}
		if p.Body != "" {
			slots = append(slots, slot{post: i, title: false})
			batch = append(batch, p.Body)
		}
	}

	if len(batch) > 0 {
		translated, err := s.translator.Translate(ctx, batch, s.cfg.SourceLang, s.cfg.TargetLang)
		if err != nil {
			metrics.TranslateCalls.WithLabelValues("error").Inc()
			return fmt.Errorf("translation failed: %v", err)
		}
		metrics.TranslateCalls.WithLabelValues("ok").Inc()
		for k, sl := range slots {
			if sl.title {
				out[sl.post].Title = translated[k]
			} else {
				out[sl.post].Body = translated[k]
			}
		}
	}

	col := &models.CachedCollection{
		Posts:      out,
		SourceHash: src.SourceHash,
		CachedAt:   time.Now(),
	}
	if err := s.writeCollection(ctx, cacheKey(s.cfg.TargetLang), col); err != nil {
		return err
	}
	log.Printf("Reconciled %d posts to %s (%d translated)", len(out), s.cfg.TargetLang, len(batch))
	return nil
}

// PostByID finds a post in the cached source collection by its content hash
// prefix, for the share metadata responder.
func (s *ContentService) PostByID(ctx context.Context, id string) (*models.Post, error) {
	col, err := s.readCollection(ctx, cacheKey(s.cfg.SourceLang))
	if err != nil {
		if errors.Is(err, store.ErrCacheMiss) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if id == "" {
		return nil, store.ErrNotFound
	}
	for i := range col.Posts {
		if strings.HasPrefix(col.Posts[i].ContentHash, id) {
			return &col.Posts[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *ContentService) readCollection(ctx context.Context, key string) (*models.CachedCollection, error) {
	data, _, err := s.cache.CacheGet(ctx, key)
	if err != nil {
		return nil, err
	}
	var col models.CachedCollection
	if err := json.Unmarshal(data, &col); err != nil {
		return nil, fmt.Errorf("failed to decode cached collection %s: %v", key, err)
	}
	return &col, nil
}

func (s *ContentService) writeCollection(ctx context.Context, key string, col *models.CachedCollection) error {
	data, err := json.Marshal(col)
	if err != nil {
		return fmt.Errorf("failed to encode collection %s: %v", key, err)
	}
	return s.cache.CachePut(ctx, key, data, col.CachedAt)
}

const titleMaxLen = 60

var whitespaceRe = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// ContentHash fingerprints the semantic content of a post: normalized title
// and body only, never date, link or image.
func ContentHash(title, body string) string {
	h := sha256.Sum256([]byte(normalizeText(title) + "\n" + normalizeText(body)))
	return hex.EncodeToString(h[:])
}

// collectionHash fingerprints the ordered sequence of item hashes, so it
// changes iff any item's content, the item count or the order changes.
func collectionHash(posts []models.Post) string {
	h := sha256.New()
	for _, p := range posts {
		h.Write([]byte(p.ContentHash))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// deriveTitle cuts the body at the first sentence-terminal punctuation or
// newline, then hard-truncates with an ellipsis if still over the limit.
func deriveTitle(body string) string {
	t := strings.TrimSpace(body)

	cut := strings.IndexAny(t, ".!?")
	nl := strings.IndexByte(t, '\n')
	switch {
	case cut >= 0 && (nl < 0 || cut < nl):
		t = t[:cut+1]
	case nl >= 0:
		t = t[:nl]
	}
	t = strings.TrimSpace(t)

	r := []rune(t)
	if len(r) > titleMaxLen {
		t = strings.TrimSpace(string(r[:titleMaxLen-1])) + "…"
	}
	return t
}

// pickImage walks the fallback chain: direct picture, attachment media,
// subattachment media, then the resolved target of a shared post.
func pickImage(p RawPost) string {
	if p.FullPicture != "" {
		return p.FullPicture
	}
	for _, att := range p.Attachments.Data {
		if att.Media != nil && att.Media.Image.Src != "" {
			return att.Media.Image.Src
		}
	}
	for _, att := range p.Attachments.Data {
		for _, sub := range att.Subattachments.Data {
			if sub.Media != nil && sub.Media.Image.Src != "" {
				return sub.Media.Image.Src
			}
		}
	}
	for _, att := range p.Attachments.Data {
		if att.Target != nil && att.Target.FullPicture != "" {
			return att.Target.FullPicture
		}
	}
	return ""
}

func normalizePosts(raw []RawPost) []models.Post {
	posts := make([]models.Post, 0, len(raw))
	for _, r := range raw {
		title := deriveTitle(r.Message)
		posts = append(posts, models.Post{
			Title:       title,
			Body:        r.Message,
			Date:        r.CreatedTime,
			Link:        r.PermalinkURL,
			Image:       pickImage(r),
			ContentHash: ContentHash(title, r.Message),
		})
	}
	return posts
}
