package endcat

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultPageDelay is the pause between consecutive page requests.
	DefaultPageDelay = 100 * time.Millisecond

	// DefaultMaxRecords bounds a single pool crawl.
	DefaultMaxRecords = 10000
)

// ErrMissingSeqID is returned when a record has no seq_id. seq_id is both
// the paging cursor and the dedup key, so such a page cannot be used.
var ErrMissingSeqID = errors.New("record without seq_id")

// Crawler walks a paginated record endpoint using the seq_id of the last
// record on each page as the cursor for the next one.
type Crawler struct {
	sleeper    Sleeper
	pageDelay  time.Duration
	maxRecords int
	logger     Logger
}

// NewCrawler creates a Crawler. A negative pageDelay or a non-positive
// maxRecords falls back to the default.
func NewCrawler(sleeper Sleeper, pageDelay time.Duration, maxRecords int, logger Logger) *Crawler {
	if pageDelay < 0 {
		pageDelay = DefaultPageDelay
	}
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Crawler{
		sleeper:    sleeper,
		pageDelay:  pageDelay,
		maxRecords: maxRecords,
		logger:     logger,
	}
}

// Crawl fetches pages until the data runs out, the upstream says there is
// nothing more, the record cap is exceeded, or a record with seq_id stopAt
// is seen. The stop record and everything after it are not returned.
// An empty stopAt crawls everything. A page ending in a record without a
// seq_id fails with ErrMissingSeqID.
func (c *Crawler) Crawl(ctx context.Context, fetch PageFetcher, stopAt string) ([]GachaRecord, error) {
	var records []GachaRecord
	cursor := ""

	for pageNum := 1; ; pageNum++ {
		page, err := fetch(ctx, cursor)
		if err != nil {
			return nil, err
		}
		if page == nil || len(page.Records) == 0 {
			break
		}

		for _, r := range page.Records {
			if stopAt != "" && r.SeqID == stopAt {
				c.logger.Debug("reached last synced record", "seq_id", stopAt, "page", pageNum)
				return records, nil
			}
			records = append(records, r)
		}

		cursor = page.Records[len(page.Records)-1].SeqID
		if cursor == "" {
			return nil, ErrMissingSeqID
		}

		if len(records) > c.maxRecords {
			c.logger.Warn("record cap exceeded, stopping crawl", "records", len(records), "cap", c.maxRecords)
			break
		}

		if page.HasMore != nil && !*page.HasMore {
			break
		}

		if err := c.sleeper.Sleep(ctx, c.pageDelay); err != nil {
			return nil, err
		}
	}

	return records, nil
}
