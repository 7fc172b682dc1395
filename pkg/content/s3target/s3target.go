// Package s3target implements content.Target against S3-compatible object
// storage via aws-sdk-go-v2, using buffered multipart upload parts. Object storage has no native
// "append": this backend buffers appended bytes per path in memory and
// lazily starts a multipart upload once the buffer crosses PartSize,
// flushing complete parts as they accumulate. Flush is what makes any of
// it durable and readable back: it either completes the in-progress
// multipart upload or, for content still under PartSize, commits a plain
// object.
package s3target

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/chunkstream/chunkstream/pkg/content"
)

// DefaultPartSize is the smallest part S3 accepts for a non-final part of
// a multipart upload (5 MiB).
const DefaultPartSize = 5 << 20

// Target stores chunk content as objects in a single S3 bucket, keyed by
// path.
type Target struct {
	client    *s3.Client
	bucket    string
	partSize  int64
	sessionMu sync.Mutex
	sessions  map[string]*session
}

// session tracks one path's in-flight multipart upload and unflushed
// buffer, accumulating bytes until a part-sized chunk is ready to drain.
//
// totalLength is every byte ever handed to Append, regardless of whether
// it has reached S3 yet. flushedLength is how much of that is currently
// represented by a completed, GET-able object — the rest is either
// buffered in memory or sitting in uploaded-but-not-completed parts.
type session struct {
	mu             sync.Mutex
	uploadID       string
	completedParts []types.CompletedPart
	nextPartNum    int32
	buffer         bytes.Buffer
	totalLength    int64
	flushedLength  int64
}

// New returns an S3-backed content.Target. partSize <= 0 uses
// DefaultPartSize.
func New(client *s3.Client, bucket string, partSize int64) *Target {
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	return &Target{
		client:   client,
		bucket:   bucket,
		partSize: partSize,
		sessions: make(map[string]*session),
	}
}

func (t *Target) getOrCreateSession(path string) *session {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	s, ok := t.sessions[path]
	if !ok {
		s = &session{nextPartNum: 1}
		t.sessions[path] = s
	}
	return s
}

func (t *Target) dropSession(path string) {
	t.sessionMu.Lock()
	delete(t.sessions, path)
	t.sessionMu.Unlock()
}

// Create starts tracking path with an empty session. The S3 object itself
// is not written until the first flush or Truncate(0) call: no upload is
// started until the first part is ready.
func (t *Target) Create(ctx context.Context, path string) error {
	t.getOrCreateSession(path)
	return nil
}

// Append buffers data and drains complete parts to S3 once the buffer
// crosses partSize, returning the new total length accepted so far
// (which may be ahead of what Flush has made durable).
func (t *Target) Append(ctx context.Context, path string, data []byte) (int64, error) {
	s := t.getOrCreateSession(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer.Write(data)
	s.totalLength += int64(len(data))

	if s.uploadID == "" && int64(s.buffer.Len()) >= t.partSize {
		if err := t.absorbSmallFlushedLocked(ctx, path, s); err != nil {
			return 0, err
		}
	}

	for int64(s.buffer.Len()) >= t.partSize {
		part := make([]byte, t.partSize)
		if _, err := io.ReadFull(&s.buffer, part); err != nil {
			return 0, fmt.Errorf("s3target: drain part buffer: %w", err)
		}
		if err := t.uploadPartLocked(ctx, path, s, part); err != nil {
			return 0, err
		}
	}

	return s.totalLength, nil
}

// absorbSmallFlushedLocked folds an already-committed object smaller than
// partSize back into the buffer before a multipart upload starts. A
// multipart's non-final parts, including a growth upload's leading copy
// part, must each be at least partSize, so a flushed object below that
// threshold can't be grown via UploadPartCopy — it has to be rewritten
// from scratch instead, merged with whatever is appended next.
func (t *Target) absorbSmallFlushedLocked(ctx context.Context, path string, s *session) error {
	if s.flushedLength == 0 || s.flushedLength >= t.partSize {
		return nil
	}

	reader, err := t.ReadRange(ctx, path, 0, s.flushedLength)
	if err != nil {
		return fmt.Errorf("s3target: read existing content before growth: %w", err)
	}
	defer reader.Close()

	existing, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("s3target: read existing content before growth: %w", err)
	}

	merged := append(existing, s.buffer.Bytes()...)
	s.buffer.Reset()
	s.buffer.Write(merged)
	s.flushedLength = 0
	return nil
}

func (t *Target) uploadPartLocked(ctx context.Context, path string, s *session, part []byte) error {
	if s.uploadID == "" {
		if err := t.startMultipartLocked(ctx, path, s); err != nil {
			return err
		}
	}

	partNum := s.nextPartNum
	s.nextPartNum++

	result, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(t.bucket),
		Key:        aws.String(path),
		UploadId:   aws.String(s.uploadID),
		PartNumber: aws.Int32(partNum),
		Body:       bytes.NewReader(part),
	})
	if err != nil {
		return fmt.Errorf("s3target: upload part %d for %s: %w", partNum, path, err)
	}

	s.completedParts = append(s.completedParts, types.CompletedPart{
		ETag:       result.ETag,
		PartNumber: aws.Int32(partNum),
	})
	return nil
}

// startMultipartLocked begins a new multipart upload for path. If a
// prior flush already produced a completed object, it is copied in as
// part 1 via UploadPartCopy so later parts grow it instead of replacing
// it. Callers only reach here with flushedLength either 0 or already
// >= partSize (see absorbSmallFlushedLocked and flushLocked), which is
// what makes that copy a valid non-final part.
func (t *Target) startMultipartLocked(ctx context.Context, path string, s *session) error {
	out, err := t.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("s3target: begin multipart upload for %s: %w", path, err)
	}
	s.uploadID = aws.ToString(out.UploadId)
	s.nextPartNum = 1

	if s.flushedLength > 0 {
		copySource := fmt.Sprintf("%s/%s", t.bucket, path)
		copyResult, err := t.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
			Bucket:          aws.String(t.bucket),
			Key:             aws.String(path),
			UploadId:        aws.String(s.uploadID),
			PartNumber:      aws.Int32(s.nextPartNum),
			CopySource:      aws.String(copySource),
			CopySourceRange: aws.String(fmt.Sprintf("bytes=0-%d", s.flushedLength-1)),
		})
		if err != nil {
			return fmt.Errorf("s3target: copy existing content into growth upload for %s: %w", path, err)
		}
		s.completedParts = append(s.completedParts, types.CompletedPart{
			ETag:       copyResult.CopyPartResult.ETag,
			PartNumber: aws.Int32(s.nextPartNum),
		})
		s.nextPartNum++
	}
	return nil
}

// completeMultipartLocked drains whatever remains buffered as the
// closing part (any size is valid for a last part) and completes the
// upload, leaving the session ready to start a fresh growth upload on
// the next Append/Flush cycle.
func (t *Target) completeMultipartLocked(ctx context.Context, path string, s *session) error {
	if s.buffer.Len() > 0 {
		remaining := make([]byte, s.buffer.Len())
		copy(remaining, s.buffer.Bytes())
		s.buffer.Reset()
		if err := t.uploadPartLocked(ctx, path, s, remaining); err != nil {
			return err
		}
	}

	parts := make([]types.CompletedPart, len(s.completedParts))
	copy(parts, s.completedParts)
	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})

	if _, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(t.bucket),
		Key:             aws.String(path),
		UploadId:        aws.String(s.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}); err != nil {
		return fmt.Errorf("s3target: complete multipart upload for %s: %w", path, err)
	}

	s.flushedLength = s.totalLength
	s.uploadID = ""
	s.completedParts = nil
	s.nextPartNum = 1
	return nil
}

// putWholeObjectLocked commits a plain object covering everything
// accepted so far. Used while the committed object stays under
// partSize, where a full rewrite is cheap and avoids the non-final-part
// size restriction that growth-by-copy is subject to.
func (t *Target) putWholeObjectLocked(ctx context.Context, path string, s *session) error {
	var body []byte
	if s.flushedLength > 0 {
		reader, err := t.ReadRange(ctx, path, 0, s.flushedLength)
		if err != nil {
			return fmt.Errorf("s3target: read existing content before flush: %w", err)
		}
		existing, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("s3target: read existing content before flush: %w", err)
		}
		body = append(existing, s.buffer.Bytes()...)
	} else {
		body = append([]byte(nil), s.buffer.Bytes()...)
	}

	if _, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(body),
	}); err != nil {
		return fmt.Errorf("s3target: flush %s: %w", path, err)
	}

	s.flushedLength = int64(len(body))
	s.buffer.Reset()
	return nil
}

// growExistingObjectLocked extends an already-committed object (known to
// be at least partSize) by copying it into a fresh multipart upload and
// appending the buffered tail as the closing part.
func (t *Target) growExistingObjectLocked(ctx context.Context, path string, s *session) error {
	if err := t.startMultipartLocked(ctx, path, s); err != nil {
		return err
	}
	return t.completeMultipartLocked(ctx, path, s)
}

// ReadRange downloads [offset, offset+length) from the object. Only
// bytes already committed by a Flush are visible this way: anything
// still buffered or sitting in an uncompleted multipart upload doesn't
// exist as far as GetObject is concerned.
func (t *Target) ReadRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(path),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3target: get object range for %s: %w", path, err)
	}
	return out.Body, nil
}

// Size returns the session's in-memory total length if a session is open,
// else the object's content length from S3.
func (t *Target) Size(ctx context.Context, path string) (int64, error) {
	t.sessionMu.Lock()
	s, ok := t.sessions[path]
	t.sessionMu.Unlock()
	if ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.totalLength, nil
	}

	out, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return 0, content.ErrNotExist
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Truncate discards any in-flight multipart upload for path and resets
// its session to newLength, then flushes an object of exactly that length.
// Object storage has no partial-object truncate, so this always rewrites
// the object — acceptable because truncation only happens on rollback,
// not on the hot append path.
func (t *Target) Truncate(ctx context.Context, path string, newLength int64) error {
	s := t.getOrCreateSession(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uploadID != "" {
		_, _ = t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(t.bucket),
			Key:      aws.String(path),
			UploadId: aws.String(s.uploadID),
		})
		s.uploadID = ""
		s.completedParts = nil
		s.nextPartNum = 1
	}

	var preserved []byte
	if newLength > 0 {
		reader, err := t.ReadRange(ctx, path, 0, newLength)
		if err == nil {
			defer reader.Close()
			preserved, err = io.ReadAll(reader)
			if err != nil {
				return fmt.Errorf("s3target: read content to preserve before truncate: %w", err)
			}
		}
	}

	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(preserved),
	})
	if err != nil {
		return fmt.Errorf("s3target: truncate %s: %w", path, err)
	}

	s.buffer.Reset()
	s.totalLength = int64(len(preserved))
	s.flushedLength = int64(len(preserved))
	return nil
}

// Delete aborts any in-flight upload and removes the object.
func (t *Target) Delete(ctx context.Context, path string) error {
	s := t.getOrCreateSession(path)
	s.mu.Lock()
	if s.uploadID != "" {
		_, _ = t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(t.bucket),
			Key:      aws.String(path),
			UploadId: aws.String(s.uploadID),
		})
	}
	s.mu.Unlock()
	t.dropSession(path)

	_, err := t.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(t.bucket),
		Key:    aws.String(path),
	})
	return err
}

// Flush commits everything accepted by Append so far: completing the
// in-progress multipart upload if one exists, growing the last committed
// object if it's already at least partSize, or rewriting it wholesale if
// it's still small. Safe to call repeatedly across a file's lifetime —
// each call leaves the session ready for more Append calls.
func (t *Target) Flush(ctx context.Context, path string) error {
	s := t.getOrCreateSession(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.flushLocked(ctx, path, s)
}

func (t *Target) flushLocked(ctx context.Context, path string, s *session) error {
	if s.uploadID != "" {
		return t.completeMultipartLocked(ctx, path, s)
	}
	if s.buffer.Len() == 0 {
		return nil
	}
	if s.flushedLength < t.partSize {
		return t.putWholeObjectLocked(ctx, path, s)
	}
	return t.growExistingObjectLocked(ctx, path, s)
}

var _ content.Target = (*Target)(nil)
