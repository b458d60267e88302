// Package uploader defines the artifact-upload interface the record
// pipeline depends on, plus a default S3-backed implementation and a
// no-op implementation for events with no local files.
package uploader

import (
	"context"

	"github.com/ChuLiYu/bes-transport/pkg/besevent"
)

// Uploader places one batch of local files into the remote namespace the
// collector can resolve, and reports the resulting PathConverter as a
// Future so record construction never blocks waiting for the network.
type Uploader interface {
	// UploadBatch begins uploading localPaths (already deduplicated by the
	// caller) and returns a future that resolves once every file in the
	// batch has landed, or fails if any upload in the batch fails.
	UploadBatch(ctx context.Context, localPaths []string) *besevent.Future[besevent.PathConverter]

	// Close releases any resources held by the uploader.
	Close() error
}

// NoopUploader is used for events with no local files: UploadBatch always
// returns an already-resolved future with a converter that reports every
// path as unresolvable.
type NoopUploader struct{}

// UploadBatch implements Uploader.
func (NoopUploader) UploadBatch(context.Context, []string) *besevent.Future[besevent.PathConverter] {
	converter := func(string) (string, bool) { return "", false }
	return besevent.Resolved[besevent.PathConverter](converter)
}

// Close implements Uploader.
func (NoopUploader) Close() error { return nil }
