package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

// ArchiveUploadHandler copies SENT_TO_S3 documents to the archive under the path chosen by the payment system.
type ArchiveUploadHandler struct {
	files   ports.FileStorage
	archive ports.ArchiveStorage
}

func NewArchiveUploadHandler(files ports.FileStorage, archive ports.ArchiveStorage) *ArchiveUploadHandler {
	return &ArchiveUploadHandler{files: files, archive: archive}
}

func (h *ArchiveUploadHandler) Stage() domain.Stage {
	return domain.StageSentToArchive
}

func (h *ArchiveUploadHandler) Handle(ctx context.Context, doc *domain.Document) (domain.Stage, error) {
	if doc.ArchivePath == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "archive upload", fmt.Errorf("document %d has no archive path", doc.ID))
	}

	uploaded, err := h.archive.Exists(ctx, doc.ArchivePath)
	if err != nil {
		return "", fmt.Errorf("check archive object: %w", err)
	}
	if uploaded {
		return domain.StageDeleteFromLocal, nil
	}

	present, err := h.files.Exists(ctx, doc.LocalPath)
	if err != nil {
		return "", fmt.Errorf("check local file: %w", err)
	}
	if !present {
		slog.Warn("archive_upload_file_missing", "document_id", doc.ID, "file_name", doc.FileName, "path", doc.LocalPath)
		return "", nil
	}

	reader, err := h.files.Open(ctx, doc.LocalPath)
	if err != nil {
		return "", fmt.Errorf("open local file: %w", err)
	}
	defer reader.Close()

	etag, err := h.archive.Upload(ctx, doc.ArchivePath, reader)
	if err != nil {
		return "", fmt.Errorf("upload to archive: %w", err)
	}
	slog.Info("archive_uploaded", "document_id", doc.ID, "object", doc.ArchivePath, "etag", etag)
	return domain.StageDeleteFromLocal, nil
}

// LocalDeletionHandler removes the working copy of DELETE_FROM_LOCAL documents.
type LocalDeletionHandler struct {
	files ports.FileStorage
}

func NewLocalDeletionHandler(files ports.FileStorage) *LocalDeletionHandler {
	return &LocalDeletionHandler{files: files}
}

func (h *LocalDeletionHandler) Stage() domain.Stage {
	return domain.StageDeleteFromLocal
}

func (h *LocalDeletionHandler) Handle(ctx context.Context, doc *domain.Document) (domain.Stage, error) {
	if doc.LocalPath != "" {
		if err := h.files.Remove(ctx, doc.LocalPath); err != nil {
			return "", fmt.Errorf("remove local file: %w", err)
		}
	}
	return domain.StageProcessed, nil
}

// downloadCleanupExcluded are stages whose documents may still need the original download.
var downloadCleanupExcluded = []domain.Stage{
	domain.StageDownloaded,
	domain.StageSentToArchive,
	domain.StageProcessed,
}

// DownloadCleanupJob deletes mailbox copies of documents that left the download stage and
// records DELETED_FROM_DOWNLOAD in their history without moving them.
type DownloadCleanupJob struct {
	repo        ports.DocumentRepository
	mailbox     ports.MailboxReader
	transitions *StageTransitionService
	batchSize   int
	concurrency int
}

func NewDownloadCleanupJob(
	repo ports.DocumentRepository,
	mailbox ports.MailboxReader,
	transitions *StageTransitionService,
	batchSize, concurrency int,
) *DownloadCleanupJob {
	if batchSize <= 0 {
		batchSize = 200
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &DownloadCleanupJob{
		repo:        repo,
		mailbox:     mailbox,
		transitions: transitions,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

func (j *DownloadCleanupJob) Name() string {
	return "delete-download"
}

func (j *DownloadCleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	docs, err := j.repo.ListDownloadCleanup(ctx, downloadCleanupExcluded, j.batchSize)
	if err != nil {
		return fmt.Errorf("list download cleanup: %w", err)
	}
	if len(docs) == 0 {
		slog.Debug("download_cleanup_idle")
		return nil
	}

	items := make([]*domain.Document, 0, len(docs))
	for i := range docs {
		items = append(items, &docs[i])
	}
	stats := DispatchEach(ctx, j.concurrency, items, func(ctx context.Context, doc *domain.Document) error {
		if err := j.mailbox.Delete(ctx, doc.DownloadPath); err != nil {
			slog.Warn("download_cleanup_failed", "document_id", doc.ID, "file_name", doc.FileName, "error", err)
			return err
		}
		if err := j.transitions.MarkHistory(ctx, doc, domain.StageDeletedFromDownload); err != nil {
			slog.Warn("download_cleanup_mark_failed", "document_id", doc.ID, "error", err)
			return err
		}
		return nil
	})

	slog.Info("download_cleanup_done",
		"deleted", stats.Succeeded,
		"failed", stats.Failed,
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
	return nil
}
