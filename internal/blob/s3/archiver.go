package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/pointsmarket/internal/domain"
)

const (
	archivePrefix = "archive/markets/"

	// multipartThreshold switches uploads of very large markets to the
	// multipart uploader.
	multipartThreshold = 8 * 1024 * 1024
)

// Compile-time interface check.
var _ domain.Archiver = (*MarketArchiver)(nil)

// MarketArchiver stores one JSON document per terminal market under
// archive/markets/YYYY-MM/<id>.json, partitioned by settlement month.
type MarketArchiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
}

// NewMarketArchiver creates a MarketArchiver.
func NewMarketArchiver(writer domain.BlobWriter, reader domain.BlobReader) *MarketArchiver {
	return &MarketArchiver{writer: writer, reader: reader}
}

// ArchiveMarket uploads doc and returns its object path. A document that is
// already stored is left untouched.
func (a *MarketArchiver) ArchiveMarket(ctx context.Context, doc domain.MarketArchive) (string, error) {
	if !doc.Market.Status.Terminal() {
		return "", fmt.Errorf("s3blob: archive market %s: %w", doc.Market.ID, domain.ErrMarketClosed)
	}

	path := ArchivePath(doc.Market.ID, settledMonth(doc))
	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", err
	}
	if exists {
		return path, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("s3blob: encode market %s: %w", doc.Market.ID, err)
	}

	if buf.Len() > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, &buf, minPartSize)
	} else {
		err = a.writer.Put(ctx, path, &buf, "application/json")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %s: %w", doc.Market.ID, err)
	}
	return path, nil
}

// LoadMarket reads an archived market back. With a zero settledAt the
// archive prefix is scanned for the id.
func (a *MarketArchiver) LoadMarket(ctx context.Context, marketID string, settledAt time.Time) (domain.MarketArchive, error) {
	path := ""
	if !settledAt.IsZero() {
		path = ArchivePath(marketID, settledAt)
	} else {
		infos, err := a.reader.List(ctx, archivePrefix)
		if err != nil {
			return domain.MarketArchive{}, err
		}
		suffix := "/" + marketID + ".json"
		for _, info := range infos {
			if strings.HasSuffix(info.Path, suffix) {
				path = info.Path
				break
			}
		}
		if path == "" {
			return domain.MarketArchive{}, fmt.Errorf("s3blob: load market %s: %w", marketID, domain.ErrNotFound)
		}
	}

	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return domain.MarketArchive{}, err
	}
	defer body.Close()

	var doc domain.MarketArchive
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return domain.MarketArchive{}, fmt.Errorf("s3blob: decode market %s: %w", marketID, err)
	}
	return doc, nil
}

// ArchivePath is the object key of a market archived in the month of t.
//
//	archive/markets/2025-01/9f1c....json
func ArchivePath(marketID string, t time.Time) string {
	return fmt.Sprintf("%s%s/%s.json", archivePrefix, t.UTC().Format("2006-01"), marketID)
}

func settledMonth(doc domain.MarketArchive) time.Time {
	switch {
	case doc.Market.SettledAt != nil:
		return *doc.Market.SettledAt
	case doc.Settlement != nil && !doc.Settlement.SettledAt.IsZero():
		return doc.Settlement.SettledAt
	default:
		return doc.ArchivedAt
	}
}
