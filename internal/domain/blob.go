package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// MarketArchive is the cold-storage document of a terminal market.
type MarketArchive struct {
	Market     Market      `json:"market"`
	Bets       []Bet       `json:"bets"`
	Settlement *Settlement `json:"settlement,omitempty"`
	ArchivedAt time.Time   `json:"archived_at"`
}

// Archiver moves terminal markets to cold storage.
type Archiver interface {
	ArchiveMarket(ctx context.Context, doc MarketArchive) (path string, err error)
	LoadMarket(ctx context.Context, marketID string, settledAt time.Time) (MarketArchive, error)
}
