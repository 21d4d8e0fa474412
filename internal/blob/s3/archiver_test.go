package s3blob

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: make(map[string][]byte)} }

func (b *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = raw
	b.puts++
	return nil
}

func (b *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return b.Put(ctx, path, data, "")
}

func (b *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, raw := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(raw))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (b *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func archiveDoc(status domain.MarketStatus) domain.MarketArchive {
	settled := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
	return domain.MarketArchive{
		Market: domain.Market{
			ID:        "m-1",
			Question:  "Will it rain?",
			Options:   []string{"Yes", "No"},
			Status:    status,
			Result:    "Yes",
			TotalBets: 400,
			SettledAt: &settled,
		},
		Bets: []domain.Bet{
			{Seq: 1, MarketID: "m-1", UserID: "alice", Outcome: "Yes", Amount: 300},
			{Seq: 2, MarketID: "m-1", UserID: "bob", Outcome: "No", Amount: 100},
		},
		ArchivedAt: settled.Add(48 * time.Hour),
	}
}

func TestArchivePath(t *testing.T) {
	got := ArchivePath("abc", time.Date(2025, 1, 31, 23, 0, 0, 0, time.UTC))
	assert.Equal(t, "archive/markets/2025-01/abc.json", got)
}

func TestMarketArchiver_RoundTrip(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	a := NewMarketArchiver(blobs, blobs)

	path, err := a.ArchiveMarket(ctx, archiveDoc(domain.MarketStatusResolved))
	require.NoError(t, err)
	assert.Equal(t, "archive/markets/2025-03/m-1.json", path)

	doc, err := a.LoadMarket(ctx, "m-1", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "Will it rain?", doc.Market.Question)
	assert.Len(t, doc.Bets, 2)

	// Lookup without a settlement date scans the prefix.
	doc, err = a.LoadMarket(ctx, "m-1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(400), doc.Market.TotalBets)
}

func TestMarketArchiver_SkipsExisting(t *testing.T) {
	ctx := context.Background()
	blobs := newMemBlobs()
	a := NewMarketArchiver(blobs, blobs)

	_, err := a.ArchiveMarket(ctx, archiveDoc(domain.MarketStatusRefunded))
	require.NoError(t, err)
	_, err = a.ArchiveMarket(ctx, archiveDoc(domain.MarketStatusRefunded))
	require.NoError(t, err)
	assert.Equal(t, 1, blobs.puts)
}

func TestMarketArchiver_RejectsLiveMarket(t *testing.T) {
	a := NewMarketArchiver(newMemBlobs(), newMemBlobs())
	_, err := a.ArchiveMarket(context.Background(), archiveDoc(domain.MarketStatusOpen))
	require.ErrorIs(t, err, domain.ErrMarketClosed)
}

func TestMarketArchiver_LoadMissing(t *testing.T) {
	blobs := newMemBlobs()
	a := NewMarketArchiver(blobs, blobs)
	_, err := a.LoadMarket(context.Background(), "nope", time.Time{})
	require.ErrorIs(t, err, domain.ErrNotFound)
}
