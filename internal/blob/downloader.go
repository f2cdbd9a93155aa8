package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/graphchan/graphchan/internal/store"
	"github.com/graphchan/graphchan/internal/xerrors"
)

const (
	defaultMaxAttempts  = 4
	defaultBaseBackoff  = 2 * time.Second
	defaultFetchTimeout = 300 * time.Second
)

// Fetcher retrieves a blob's bytes from a ticket. The HTTP fetcher is the
// production implementation; tests substitute their own.
type Fetcher interface {
	Fetch(ctx context.Context, t Ticket) ([]byte, error)
}

// HTTPFetcher downloads blobs over plain HTTP from the addresses embedded
// in a ticket, first hit wins.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher builds a fetcher with the default blob-transfer timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: defaultFetchTimeout}}
}

// Fetch tries each ticket address in order and verifies the received bytes
// hash to the ticket's content id.
func (f *HTTPFetcher) Fetch(ctx context.Context, t Ticket) ([]byte, error) {
	if len(t.Addresses) == 0 {
		return nil, xerrors.New(xerrors.BadRequest, "ticket carries no addresses")
	}
	var lastErr error
	for _, addr := range t.Addresses {
		data, err := f.fetchOne(ctx, addr, t.Hash)
		if err != nil {
			lastErr = err
			logrus.Debugf("blob: fetch %s from %s: %v", t.Hash, addr, err)
			continue
		}
		id, err := ContentID(data)
		if err != nil {
			return nil, err
		}
		if id != t.Hash {
			lastErr = xerrors.Newf(xerrors.IntegrityViolation,
				"blob from %s hashes to %s, ticket says %s", addr, id, t.Hash)
			continue
		}
		return data, nil
	}
	return nil, lastErr
}

func (f *HTTPFetcher) fetchOne(ctx context.Context, addr, hash string) ([]byte, error) {
	url := fmt.Sprintf("%s/blobs/%s", addr, hash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.BadRequest, err, "build request")
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transient, err, "fetch blob")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 128))
		return nil, xerrors.Newf(xerrors.Transient, "fetch %s: status %d: %s", url, resp.StatusCode, body)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.Transient, err, "read blob body")
	}
	return data, nil
}

// Downloader drives file download lifecycles: it fetches a file's ticket,
// verifies the checksum, imports the bytes into the blob store and records
// the status transition. Failures retry with exponential backoff up to a
// bounded attempt count before landing on failed.
type Downloader struct {
	blobs   *Store
	db      *store.DB
	fetcher Fetcher

	MaxAttempts int
	BaseBackoff time.Duration
}

// NewDownloader wires a downloader with default retry policy.
func NewDownloader(blobs *Store, db *store.DB, fetcher Fetcher) *Downloader {
	return &Downloader{
		blobs:       blobs,
		db:          db,
		fetcher:     fetcher,
		MaxAttempts: defaultMaxAttempts,
		BaseBackoff: defaultBaseBackoff,
	}
}

// FetchTicket fetches a raw ticket with the retry policy, without any file
// row involved (thread detail blobs).
func (d *Downloader) FetchTicket(ctx context.Context, t Ticket) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < d.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, xerrors.Wrap(xerrors.Transient, ctx.Err(), "fetch cancelled")
			case <-time.After(d.backoff(attempt)):
			}
		}
		data, err := d.fetcher.Fetch(ctx, t)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if xerrors.Is(err, xerrors.BadRequest) {
			break // no address will ever appear by retrying
		}
	}
	return nil, lastErr
}

// FetchFile downloads one file row's blob. The row moves to downloading
// immediately, then to present or failed. Oversized files are skipped and
// left pending for an explicit user fetch.
func (d *Downloader) FetchFile(ctx context.Context, fileID string, autoDownloadLimit int64) error {
	var rec *store.FileRecord
	err := d.db.WithRepositories(func(r *store.Repositories) error {
		var err error
		rec, err = r.Files().Get(fileID)
		if err != nil {
			return err
		}
		if rec.Ticket == "" {
			return xerrors.Newf(xerrors.BadRequest, "file %s has no ticket", fileID)
		}
		if autoDownloadLimit > 0 && rec.SizeBytes > autoDownloadLimit {
			return xerrors.Newf(xerrors.BadRequest,
				"file %s exceeds auto-download limit (%d bytes)", fileID, rec.SizeBytes)
		}
		return r.Files().SetDownloadStatus(fileID, store.DownloadDownloading, "")
	})
	if err != nil {
		return err
	}

	ticket, err := DecodeTicket(rec.Ticket)
	if err != nil {
		d.markFailed(fileID, err)
		return err
	}
	data, err := d.FetchTicket(ctx, ticket)
	if err != nil {
		d.markFailed(fileID, err)
		return err
	}
	if rec.Checksum != "" && ChecksumHex(data) != rec.Checksum {
		err := xerrors.Newf(xerrors.IntegrityViolation, "file %s checksum mismatch", fileID)
		d.markFailed(fileID, err)
		return err
	}
	id, err := d.blobs.Import(data)
	if err != nil {
		d.markFailed(fileID, err)
		return err
	}

	return d.db.WithRepositories(func(r *store.Repositories) error {
		return r.Files().SetDownloadStatus(fileID, store.DownloadPresent, d.blobs.Path(id))
	})
}

func (d *Downloader) markFailed(fileID string, cause error) {
	logrus.Warnf("blob: download of file %s failed: %v", fileID, cause)
	if err := d.db.WithRepositories(func(r *store.Repositories) error {
		return r.Files().SetDownloadStatus(fileID, store.DownloadFailed, "")
	}); err != nil {
		logrus.Warnf("blob: record failure for %s: %v", fileID, err)
	}
}

func (d *Downloader) backoff(attempt int) time.Duration {
	return d.BaseBackoff * (1 << (attempt - 1))
}
