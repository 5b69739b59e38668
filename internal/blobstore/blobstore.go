// Package blobstore is the read-side blob store: lists and reads immutable
// batch files named by tick range, enforcing lexicographic == chronological
// order. Backed by an S3-compatible object store via
// github.com/aws/aws-sdk-go-v2. The reconnect/backoff shape below mirrors a
// bounded-attempt reconnect loop over a streaming client.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ledgerwatch/log/v3"

	"github.com/gateway-fm/sim-indexer/internal/ixerr"
)

// filenamePrefix and the tick-width are fixed by the filename grammar:
// batch_<19-digit-tickStart>_<19-digit-tickEnd>.pb
const (
	filenamePrefix = "batch_"
	filenameSuffix = ".pb"
	tickDigits     = 19
)

// BatchFile is one listed object together with its parsed tick range.
type BatchFile struct {
	Filename  string
	TickStart int64
	TickEnd   int64
}

// ParseFilename decodes the batch_<start>_<end>.pb grammar. Files that do
// not match are skipped by listing rather than erroring the whole call,
// since a foreign object in the same prefix should not stall every
// indexer instance.
func ParseFilename(name string) (BatchFile, bool) {
	base := name
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		base = base[idx+1:]
	}
	if !strings.HasPrefix(base, filenamePrefix) || !strings.HasSuffix(base, filenameSuffix) {
		return BatchFile{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(base, filenamePrefix), filenameSuffix)
	parts := strings.SplitN(body, "_", 2)
	if len(parts) != 2 || len(parts[0]) != tickDigits || len(parts[1]) != tickDigits {
		return BatchFile{}, false
	}
	start, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return BatchFile{}, false
	}
	end, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return BatchFile{}, false
	}
	return BatchFile{Filename: name, TickStart: start, TickEnd: end}, true
}

// FormatFilename renders a tick range back into the grammar, for tests and
// for any writer-side tooling that shares this package.
func FormatFilename(tickStart, tickEnd int64) string {
	return fmt.Sprintf("%s%0*d_%0*d%s", filenamePrefix, tickDigits, tickStart, tickDigits, tickEnd, filenameSuffix)
}

// S3API is the subset of *s3.Client this package calls, so tests can supply
// a fake without spinning up real S3.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Store lists and reads batch files from one bucket.
type Store struct {
	api    S3API
	bucket string
	logger log.Logger

	maxRetries int
	backoff    time.Duration
}

// Option customizes a Store at construction.
type Option func(*Store)

func WithRetryPolicy(maxRetries int, backoff time.Duration) Option {
	return func(s *Store) {
		s.maxRetries = maxRetries
		s.backoff = backoff
	}
}

func New(api S3API, bucket string, logger log.Logger, opts ...Option) *Store {
	s := &Store{api: api, bucket: bucket, logger: logger, maxRetries: 5, backoff: 2 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListBatchFiles returns files under prefix in lexicographic order (==
// chronological, per the filename grammar), paginated via
// continuationToken: listing starts after that key, and the returned token
// is the last key listed when more objects remain ("" otherwise).
func (s *Store) ListBatchFiles(ctx context.Context, prefix, continuationToken string, maxCount int32) ([]BatchFile, string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: maxCount,
	}
	if continuationToken != "" {
		input.StartAfter = aws.String(continuationToken)
	}

	out, err := s.listWithRetry(ctx, input)
	if err != nil {
		return nil, "", err
	}

	files := objectsToBatchFiles(out.Contents)
	next := ""
	if out.NextContinuationToken != nil && len(out.Contents) > 0 {
		next = aws.ToString(out.Contents[len(out.Contents)-1].Key)
	}
	return files, next, nil
}

// RunPrefix is one top-level run directory discovered under the bucket
// root, together with the earliest-seen object inside it (used to pick
// the most recently started run when no run id is configured).
type RunPrefix struct {
	RunID        string
	FirstSeen    time.Time
	FirstSeenSet bool
}

// ListRunPrefixes lists the top-level "directories" under the bucket root
// using the object-store Delimiter convention, and for each one reads the
// oldest object's LastModified as its first-seen timestamp, so the caller
// can pick the most recently started run.
func (s *Store) ListRunPrefixes(ctx context.Context) ([]RunPrefix, error) {
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Delimiter: aws.String("/"),
	}
	out, err := s.listWithRetry(ctx, input)
	if err != nil {
		return nil, err
	}

	runs := make([]RunPrefix, 0, len(out.CommonPrefixes))
	for _, cp := range out.CommonPrefixes {
		if cp.Prefix == nil {
			continue
		}
		runID := strings.TrimSuffix(*cp.Prefix, "/")

		firstSeen, ok, err := s.earliestObjectTime(ctx, *cp.Prefix)
		if err != nil {
			return nil, err
		}
		runs = append(runs, RunPrefix{RunID: runID, FirstSeen: firstSeen, FirstSeenSet: ok})
	}
	return runs, nil
}

func (s *Store) earliestObjectTime(ctx context.Context, prefix string) (time.Time, bool, error) {
	out, err := s.listWithRetry(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket), Prefix: aws.String(prefix), MaxKeys: 1,
	})
	if err != nil {
		return time.Time{}, false, err
	}
	if len(out.Contents) == 0 || out.Contents[0].LastModified == nil {
		return time.Time{}, false, nil
	}
	return *out.Contents[0].LastModified, true, nil
}

// ListBatchFilesInRange is the gap-filling variant of listing: a
// range-restricted listing that returns at most one file whose tick range
// intersects [startTick, endTick]. Object stores have no server-side
// tick-range filter, so it pages through the prefix from its start,
// applies the range filter client-side, and stops at the first
// intersecting file.
func (s *Store) ListBatchFilesInRange(ctx context.Context, prefix string, startTick, endTick int64) (*BatchFile, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}

	var token *string
	for {
		input.ContinuationToken = token
		out, err := s.listWithRetry(ctx, input)
		if err != nil {
			return nil, err
		}

		for _, f := range objectsToBatchFiles(out.Contents) {
			if f.TickStart <= endTick && f.TickEnd >= startTick {
				return &f, nil
			}
		}

		if out.NextContinuationToken == nil {
			return nil, nil
		}
		token = out.NextContinuationToken
	}
}

func objectsToBatchFiles(objects []types.Object) []BatchFile {
	files := make([]BatchFile, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		if f, ok := ParseFilename(*obj.Key); ok {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Filename < files[j].Filename })
	return files
}

// ReadBatch streams one file's contents in full. The caller decodes the
// length-prefixed record sequence; this package only fetches bytes.
func (s *Store) ReadBatch(ctx context.Context, filename string) ([]byte, error) {
	var body []byte
	op := func() error {
		out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(filename)})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := io.Copy(buf, out.Body); err != nil {
			return err
		}
		body = buf.Bytes()
		return nil
	}

	if err := s.withRetry(ctx, op); err != nil {
		return nil, ixerr.Wrap(ixerr.ErrBatchReadFailed, "blobstore: reading %s: %v", filename, err)
	}
	return body, nil
}

// listWithRetry wraps ListObjectsV2 in the same bounded-retry shape as
// ReadBatch, grounded on zk/datastream/client's tryReConnect loop (fixed
// attempt cap, fixed sleep between attempts) generalized to exponential
// backoff.
func (s *Store) listWithRetry(ctx context.Context, input *s3.ListObjectsV2Input) (*s3.ListObjectsV2Output, error) {
	var out *s3.ListObjectsV2Output
	op := func() error {
		var err error
		out, err = s.api.ListObjectsV2(ctx, input)
		return err
	}
	if err := s.withRetry(ctx, op); err != nil {
		return nil, ixerr.Wrap(ixerr.ErrStorageUnavailable, "blobstore: listing %s: %v", aws.ToString(input.Prefix), err)
	}
	return out, nil
}

func (s *Store) withRetry(ctx context.Context, op func() error) error {
	wait := s.backoff
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.logger.Warn("blobstore: retrying after error", "attempt", attempt, "err", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		if err := op(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
