package models

import (
	"time"
)

// Post is one externally-sourced content post after normalization.
// ContentHash covers the normalized title and body only; date, link and
// image are cosmetic and never affect it.
type Post struct {
	Title       string `bson:"title" json:"title"`
	Body        string `bson:"body" json:"body"`
	Date        string `bson:"date,omitempty" json:"date,omitempty"`
	Link        string `bson:"link,omitempty" json:"link,omitempty"`
	Image       string `bson:"image,omitempty" json:"image,omitempty"`
	ContentHash string `bson:"content_hash" json:"contentHash"`
}

// CachedCollection is a keyed snapshot of a content fetch. SourceHash is the
// aggregate fingerprint over the ordered item hashes of the source-language
// collection this snapshot was built from; two collections with an equal
// SourceHash are semantically identical regardless of cosmetic drift.
type CachedCollection struct {
	Posts      []Post    `json:"posts"`
	SourceHash string    `json:"sourceHash"`
	CachedAt   time.Time `json:"cachedAt"`
}
