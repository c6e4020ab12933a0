// Package simplemedia ingests uploaded and URL-fetched media, deduplicates it by
// content checksum, stores the bytes in a pluggable blob store and schedules a
// bounded background optimization pass for every supported image.
//
// A FileRecord moves through two independent state machines: FileStatus tracks
// the stored bytes (uploading, ready, deleting, deleted, failed, missing) and
// OptimizationStatus tracks the derived rendition (pending, processing, done,
// failed, skipped). Every state change goes through TransitionStatus or
// TransitionOptimization and is reported to the configured EventSink.
//
// Basic usage:
//
//	svc, err := simplemedia.New(
//	    simplemedia.WithRepository(memoryrepo.New()),
//	    simplemedia.WithBlobStore("memory", memorystorage.New()),
//	    simplemedia.WithTransformer(transform.New()),
//	)
//	if err != nil {
//	    return err
//	}
//	defer svc.Shutdown(context.Background())
//
//	res, err := svc.Ingest(ctx, simplemedia.IngestRequest{
//	    Data:     data,
//	    FileName: "photo.jpg",
//	    Scope:    simplemedia.Scope{AppID: "app", UserID: "u1", Purpose: "avatar"},
//	})
//
// Optimization runs in a fixed pool of workers fed by a bounded FIFO backlog.
// Jobs that wait longer than QueueConfig.WaitTimeout, run longer than
// QueueConfig.JobTimeout or are still queued at shutdown leave their record in
// the failed optimization state with the cause in FileRecord.LastError.
package simplemedia
