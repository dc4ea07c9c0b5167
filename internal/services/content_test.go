package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dzvin-ua/site-backend/internal/config"
	"github.com/dzvin-ua/site-backend/internal/models"
	"github.com/dzvin-ua/site-backend/internal/store"
)

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	at   map[string]time.Time
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte), at: make(map[string]time.Time)}
}

func (f *fakeCache) CacheGet(ctx context.Context, key string) ([]byte, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return nil, time.Time{}, store.ErrCacheMiss
	}
	return b, f.at[key], nil
}

func (f *fakeCache) CachePut(ctx context.Context, key string, value []byte, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	f.at[key] = at
	return nil
}

type fakeFeed struct {
	posts []RawPost
	err   error
	calls int
}

func (f *fakeFeed) FetchPosts(ctx context.Context) ([]RawPost, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.posts, nil
}

type fakeTranslator struct {
	batches [][]string
	err     error
}

func (f *fakeTranslator) Translate(ctx context.Context, texts []string, source, target string) ([]string, error) {
	f.batches = append(f.batches, append([]string(nil), texts...))
	if f.err != nil {
		return nil, f.err
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "[" + target + "] " + t
	}
	return out, nil
}

func testContentConfig() config.Content {
	return config.Content{
		SourceLang:  "uk",
		TargetLang:  "en",
		CacheMaxAge: 15 * time.Minute,
	}
}

func messagePost(msg string) RawPost {
	return RawPost{Message: msg, CreatedTime: "2025-08-01T10:00:00+0000", PermalinkURL: "https://fb.example/p/1"}
}

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"sentence cut", "Перше речення. Друге речення.", "Перше речення."},
		{"newline cut", "Заголовок без крапки\nрешта тексту", "Заголовок без крапки"},
		{"question mark", "Як допомогти? Ось як.", "Як допомогти?"},
		{"short body unchanged", "Коротко", "Коротко"},
		{"empty", "", ""},
		{"newline before punctuation", "Перший рядок\nДруге. Речення.", "Перший рядок"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveTitle(tc.body); got != tc.want {
				t.Errorf("deriveTitle(%q) = %q, want %q", tc.body, got, tc.want)
			}
		})
	}

	t.Run("hard truncation with ellipsis", func(t *testing.T) {
		long := strings.Repeat("а", 100)
		got := deriveTitle(long)
		r := []rune(got)
		if len(r) != titleMaxLen {
			t.Errorf("expected %d runes, got %d (%q)", titleMaxLen, len(r), got)
		}
		if r[len(r)-1] != '…' {
			t.Errorf("expected ellipsis marker, got %q", got)
		}
	})
}

func TestContentHash(t *testing.T) {
	t.Run("invariant under cosmetic fields", func(t *testing.T) {
		a := messagePost("Текст допису. Деталі.")
		b := a
		b.CreatedTime = "2025-08-02T10:00:00+0000"
		b.PermalinkURL = "https://fb.example/p/other"
		b.FullPicture = "https://img.example/x.jpg"

		pa := normalizePosts([]RawPost{a})[0]
		pb := normalizePosts([]RawPost{b})[0]
		if pa.ContentHash != pb.ContentHash {
			t.Error("hash changed under cosmetic-only drift")
		}
	})

	t.Run("changes with body", func(t *testing.T) {
		if ContentHash("t", "body one") == ContentHash("t", "body two") {
			t.Error("hash did not change with body")
		}
	})

	t.Run("changes with title", func(t *testing.T) {
		if ContentHash("one", "b") == ContentHash("two", "b") {
			t.Error("hash did not change with title")
		}
	})

	t.Run("whitespace normalized", func(t *testing.T) {
		if ContentHash("a  b", "c\n\nd ") != ContentHash("a b", "c d") {
			t.Error("whitespace runs should not affect the hash")
		}
	})
}

func TestCollectionHash(t *testing.T) {
	posts := normalizePosts([]RawPost{messagePost("Один."), messagePost("Два."), messagePost("Три.")})

	t.Run("order sensitive", func(t *testing.T) {
		reordered := []models.Post{posts[1], posts[0], posts[2]}
		if collectionHash(posts) == collectionHash(reordered) {
			t.Error("hash should change when order changes")
		}
	})

	t.Run("count sensitive", func(t *testing.T) {
		if collectionHash(posts) == collectionHash(posts[:2]) {
			t.Error("hash should change when an item is dropped")
		}
	})

	t.Run("stable", func(t *testing.T) {
		again := normalizePosts([]RawPost{messagePost("Один."), messagePost("Два."), messagePost("Три.")})
		if collectionHash(posts) != collectionHash(again) {
			t.Error("hash should be deterministic")
		}
	})
}

func TestPickImage(t *testing.T) {
	withMedia := func(src string) *RawMedia {
		m := &RawMedia{}
		m.Image.Src = src
		return m
	}

	t.Run("direct picture wins", func(t *testing.T) {
		p := messagePost("x")
		p.FullPicture = "direct.jpg"
		p.Attachments.Data = []RawAttachment{{Media: withMedia("att.jpg")}}
		if got := pickImage(p); got != "direct.jpg" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("attachment media", func(t *testing.T) {
		p := messagePost("x")
		p.Attachments.Data = []RawAttachment{{Media: withMedia("att.jpg")}}
		if got := pickImage(p); got != "att.jpg" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("subattachment media", func(t *testing.T) {
		p := messagePost("x")
		att := RawAttachment{}
		att.Subattachments.Data = []RawAttachment{{Media: withMedia("sub.jpg")}}
		p.Attachments.Data = []RawAttachment{att}
		if got := pickImage(p); got != "sub.jpg" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("resolved share target", func(t *testing.T) {
		p := messagePost("x")
		p.Attachments.Data = []RawAttachment{{
			Type:   "share",
			Target: &RawTarget{ID: "t1", FullPicture: "target.jpg"},
		}}
		if got := pickImage(p); got != "target.jpg" {
			t.Errorf("got %q", got)
		}
	})

	t.Run("none", func(t *testing.T) {
		if got := pickImage(messagePost("x")); got != "" {
			t.Errorf("got %q", got)
		}
	})
}

func TestSourcePosts(t *testing.T) {
	t.Run("miss fetches and stores", func(t *testing.T) {
		cache := newFakeCache()
		feed := &fakeFeed{posts: []RawPost{messagePost("Новина. Деталі.")}}
		svc := NewContentService(cache, feed, &fakeTranslator{}, testContentConfig())

		col, err := svc.Posts(context.Background(), "uk", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(col.Posts) != 1 || col.SourceHash == "" {
			t.Fatalf("unexpected collection: %+v", col)
		}
		if col.Posts[0].Title != "Новина." {
			t.Errorf("unexpected title %q", col.Posts[0].Title)
		}
		if feed.calls != 1 {
			t.Errorf("expected 1 fetch, got %d", feed.calls)
		}
	})

	t.Run("fresh cache skips upstream", func(t *testing.T) {
		cache := newFakeCache()
		feed := &fakeFeed{posts: []RawPost{messagePost("Новина.")}}
		svc := NewContentService(cache, feed, &fakeTranslator{}, testContentConfig())

		if _, err := svc.Posts(context.Background(), "uk", false); err != nil {
			t.Fatalf("warmup failed: %v", err)
		}
		if _, err := svc.Posts(context.Background(), "uk", false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if feed.calls != 1 {
			t.Errorf("expected fresh cache to be a pure read, got %d fetches", feed.calls)
		}
	})

	t.Run("upstream failure falls back to stale cache", func(t *testing.T) {
		cache := newFakeCache()
		feed := &fakeFeed{posts: []RawPost{messagePost("Новина.")}}
		cfg := testContentConfig()
		cfg.CacheMaxAge = 0 // everything is stale
		svc := NewContentService(cache, feed, &fakeTranslator{}, cfg)

		warm, err := svc.Posts(context.Background(), "uk", false)
		if err != nil {
			t.Fatalf("warmup failed: %v", err)
		}

		feed.err = fmt.Errorf("graph down")
		col, err := svc.Posts(context.Background(), "uk", false)
		if err != nil {
			t.Fatalf("expected stale fallback, got error: %v", err)
		}
		if col.SourceHash != warm.SourceHash {
			t.Errorf("expected the cached collection back")
		}
	})

	t.Run("upstream failure with no cache errors", func(t *testing.T) {
		svc := NewContentService(newFakeCache(), &fakeFeed{err: fmt.Errorf("graph down")}, &fakeTranslator{}, testContentConfig())
		if _, err := svc.Posts(context.Background(), "uk", false); err == nil {
			t.Fatal("expected error")
		}
	})

	t.Run("unsupported language rejected", func(t *testing.T) {
		svc := NewContentService(newFakeCache(), &fakeFeed{}, &fakeTranslator{}, testContentConfig())
		_, err := svc.Posts(context.Background(), "de", false)
		if !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	})
}

func TestDerivedPosts(t *testing.T) {
	t.Run("no cache is not ready", func(t *testing.T) {
		svc := NewContentService(newFakeCache(), &fakeFeed{}, &fakeTranslator{}, testContentConfig())
		_, err := svc.Posts(context.Background(), "en", false)
		if !errors.Is(err, ErrNotReady) {
			t.Fatalf("expected ErrNotReady, got %v", err)
		}
	})

	t.Run("read never translates", func(t *testing.T) {
		cache := newFakeCache()
		feed := &fakeFeed{posts: []RawPost{messagePost("Новина.")}}
		tr := &fakeTranslator{}
		svc := NewContentService(cache, feed, tr, testContentConfig())

		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("refresh failed: %v", err)
		}
		if _, err := svc.Posts(context.Background(), "en", false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		calls := len(tr.batches)
		if _, err := svc.Posts(context.Background(), "en", false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(tr.batches) != calls {
			t.Error("derived-language read must not call the translator")
		}
	})
}

func TestReconcile(t *testing.T) {
	t.Run("refresh translates new items", func(t *testing.T) {
		cache := newFakeCache()
		feed := &fakeFeed{posts: []RawPost{messagePost("Перша новина. Деталі.")}}
		tr := &fakeTranslator{}
		svc := NewContentService(cache, feed, tr, testContentConfig())

		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("refresh failed: %v", err)
		}
		col, err := svc.Posts(context.Background(), "en", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(tr.batches) != 1 {
			t.Fatalf("expected 1 translation batch, got %d", len(tr.batches))
		}
		if !strings.HasPrefix(col.Posts[0].Title, "[en] ") || !strings.HasPrefix(col.Posts[0].Body, "[en] ") {
			t.Errorf("expected translated fields, got %+v", col.Posts[0])
		}
	})

	t.Run("unchanged source performs zero translation calls", func(t *testing.T) {
		cache := newFakeCache()
		feed := &fakeFeed{posts: []RawPost{messagePost("Новина. Деталі.")}}
		tr := &fakeTranslator{}
		cfg := testContentConfig()
		cfg.CacheMaxAge = 0
		svc := NewContentService(cache, feed, tr, cfg)

		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("first refresh failed: %v", err)
		}
		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("second refresh failed: %v", err)
		}
		if len(tr.batches) != 1 {
			t.Errorf("expected zero calls on the second run, got %d batches total", len(tr.batches))
		}
	})

	t.Run("one changed item out of three translates exactly one", func(t *testing.T) {
		cache := newFakeCache()
		feed := &fakeFeed{posts: []RawPost{
			messagePost("Перша. Текст один."),
			messagePost("Друга. Текст два."),
			messagePost("Третя. Текст три."),
		}}
		tr := &fakeTranslator{}
		cfg := testContentConfig()
		cfg.CacheMaxAge = 0
		svc := NewContentService(cache, feed, tr, cfg)

		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("first refresh failed: %v", err)
		}
		before, err := svc.Posts(context.Background(), "en", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		feed.posts[1] = messagePost("Друга. Текст два, оновлений.")
		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("second refresh failed: %v", err)
		}
		after, err := svc.Posts(context.Background(), "en", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(tr.batches) != 2 {
			t.Fatalf("expected 2 batches total, got %d", len(tr.batches))
		}
		// Only the changed item's title and body go into the second batch.
		if got := len(tr.batches[1]); got != 2 {
			t.Errorf("expected 2 texts in the second batch, got %d: %v", got, tr.batches[1])
		}
		if before.Posts[0].Body != after.Posts[0].Body || before.Posts[2].Body != after.Posts[2].Body {
			t.Error("unchanged items must be reused verbatim")
		}
		if before.Posts[1].Body == after.Posts[1].Body {
			t.Error("changed item must be re-translated")
		}
	})

	t.Run("cosmetic-only drift leaves derived cache untouched", func(t *testing.T) {
		cache := newFakeCache()
		feed := &fakeFeed{posts: []RawPost{messagePost("Новина. Деталі.")}}
		tr := &fakeTranslator{}
		cfg := testContentConfig()
		cfg.CacheMaxAge = 0
		svc := NewContentService(cache, feed, tr, cfg)

		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("first refresh failed: %v", err)
		}

		// Cosmetic fields are excluded from the fingerprint, so the source
		// hash is unchanged and reconciliation is a no-op.
		feed.posts[0].PermalinkURL = "https://fb.example/p/moved"
		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("second refresh failed: %v", err)
		}
		if len(tr.batches) != 1 {
			t.Errorf("cosmetic drift must not trigger translation, got %d batches", len(tr.batches))
		}
	})

	t.Run("reused items get cosmetic fields refreshed", func(t *testing.T) {
		cache := newFakeCache()
		feed := &fakeFeed{posts: []RawPost{messagePost("Новина. Деталі.")}}
		tr := &fakeTranslator{}
		cfg := testContentConfig()
		cfg.CacheMaxAge = 0
		svc := NewContentService(cache, feed, tr, cfg)

		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("first refresh failed: %v", err)
		}

		// A new item changes the source hash; the old item is reused but its
		// cosmetic fields come from the current fetch.
		feed.posts[0].PermalinkURL = "https://fb.example/p/moved"
		feed.posts[0].FullPicture = "https://img.example/new.jpg"
		feed.posts = append(feed.posts, messagePost("Ще одна. Новина."))
		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("second refresh failed: %v", err)
		}

		col, err := svc.Posts(context.Background(), "en", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(tr.batches) != 2 {
			t.Fatalf("expected 2 batches, got %d", len(tr.batches))
		}
		if got := len(tr.batches[1]); got != 2 {
			t.Errorf("only the new item should be translated, got %d texts", got)
		}
		if col.Posts[0].Link != "https://fb.example/p/moved" || col.Posts[0].Image != "https://img.example/new.jpg" {
			t.Errorf("cosmetic fields must be refreshed on reuse: %+v", col.Posts[0])
		}
		if !strings.HasPrefix(col.Posts[0].Body, "[en] ") {
			t.Errorf("reused item must keep its translation: %+v", col.Posts[0])
		}
	})

	t.Run("translator failure keeps derived cache stale", func(t *testing.T) {
		cache := newFakeCache()
		feed := &fakeFeed{posts: []RawPost{messagePost("Новина. Деталі.")}}
		tr := &fakeTranslator{err: fmt.Errorf("all mirrors down")}
		svc := NewContentService(cache, feed, tr, testContentConfig())

		// The source response must still succeed.
		if _, err := svc.Posts(context.Background(), "uk", true); err != nil {
			t.Fatalf("source response must not fail on translation errors: %v", err)
		}
		if _, err := svc.Posts(context.Background(), "en", false); !errors.Is(err, ErrNotReady) {
			t.Fatalf("expected ErrNotReady, got %v", err)
		}
	})
}

func TestPostByID(t *testing.T) {
	cache := newFakeCache()
	feed := &fakeFeed{posts: []RawPost{messagePost("Новина. Деталі.")}}
	svc := NewContentService(cache, feed, &fakeTranslator{}, testContentConfig())

	col, err := svc.Posts(context.Background(), "uk", false)
	if err != nil {
		t.Fatalf("warmup failed: %v", err)
	}
	hash := col.Posts[0].ContentHash

	t.Run("found by hash prefix", func(t *testing.T) {
		post, err := svc.PostByID(context.Background(), hash[:12])
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if post.ContentHash != hash {
			t.Errorf("wrong post: %+v", post)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		if _, err := svc.PostByID(context.Background(), "ffffffffffff"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("empty id", func(t *testing.T) {
		if _, err := svc.PostByID(context.Background(), ""); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
