package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/expense-pipeline/internal/core/domain"
	"github.com/kirillkom/expense-pipeline/internal/core/ports"
)

type MailIngestionOptions struct {
	RetryDelay         time.Duration
	AttachmentsPerPass int
}

// MailIngestionJob downloads new mailbox attachments of every eligible client group into DOWNLOADED documents.
// Client groups are admitted through a BoundedDispatch so the number of mailboxes read at once stays capped
// across all workers.
type MailIngestionJob struct {
	groups   ports.ClientGroupRepository
	docs     ports.DocumentRepository
	files    ports.FileStorage
	mailbox  ports.MailboxReader
	events   ports.EventPublisher
	dispatch *BoundedDispatch
	opts     MailIngestionOptions
	now      func() time.Time
}

func NewMailIngestionJob(
	groups ports.ClientGroupRepository,
	docs ports.DocumentRepository,
	files ports.FileStorage,
	mailbox ports.MailboxReader,
	events ports.EventPublisher,
	maxConcurrentMailboxes int,
	opts MailIngestionOptions,
) *MailIngestionJob {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Minute
	}
	if opts.AttachmentsPerPass <= 0 {
		opts.AttachmentsPerPass = 50
	}
	j := &MailIngestionJob{
		groups:  groups,
		docs:    docs,
		files:   files,
		mailbox: mailbox,
		events:  events,
		opts:    opts,
		now:     time.Now,
	}
	j.dispatch = NewBoundedDispatch(maxConcurrentMailboxes, j.countProcessing)
	return j
}

func (j *MailIngestionJob) Name() string {
	return "mail-ingestion"
}

func (j *MailIngestionJob) Run(ctx context.Context) error {
	capacity, err := j.dispatch.Admit(ctx)
	if err != nil {
		return err
	}
	if capacity == 0 {
		slog.Info("mail_ingestion_saturated", "max_in_flight", j.dispatch.MaxInFlight())
		return nil
	}

	groups, err := j.groups.FindEligible(ctx, j.cutoff(), capacity)
	if err != nil {
		return fmt.Errorf("find eligible client groups: %w", err)
	}
	if len(groups) == 0 {
		slog.Debug("mail_ingestion_idle")
		return nil
	}

	items := make([]*domain.ClientGroup, 0, len(groups))
	for i := range groups {
		items = append(items, &groups[i])
	}
	stats := RunBounded(ctx, j.dispatch, items, j.ingestGroup)
	slog.Info("mail_ingestion_done", "groups", len(groups), "succeeded", stats.Succeeded, "failed", stats.Failed)
	return nil
}

func (j *MailIngestionJob) cutoff() time.Time {
	return j.now().UTC().Add(-j.opts.RetryDelay)
}

func (j *MailIngestionJob) countProcessing(ctx context.Context) (int, error) {
	return j.groups.CountProcessing(ctx, j.cutoff())
}

func (j *MailIngestionJob) ingestGroup(ctx context.Context, group *domain.ClientGroup) error {
	claimed, err := j.groups.Claim(ctx, group.ID, j.cutoff())
	if err != nil {
		slog.Error("mail_ingestion_claim_failed", "client_group", group.UUID, "error", err)
		return err
	}
	if !claimed {
		return nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := j.groups.SetStatus(releaseCtx, group.ID, domain.StatusNotProcessing); err != nil {
			slog.Error("mail_ingestion_release_failed", "client_group", group.UUID, "error", err)
		}
	}()

	attachments, err := j.mailbox.Fetch(ctx, group, j.opts.AttachmentsPerPass)
	if err != nil {
		slog.Warn("mailbox_fetch_failed", "client_group", group.UUID, "error", err)
		return err
	}

	var watermark time.Time
	created := 0
	for _, attachment := range attachments {
		ok, err := j.ingestAttachment(ctx, group, attachment)
		if err != nil {
			slog.Warn("attachment_ingest_failed",
				"client_group", group.UUID,
				"message_id", attachment.MessageID,
				"file_name", attachment.FileName,
				"error", err,
			)
			break
		}
		if ok {
			created++
		}
		if attachment.ReceivedAt.After(watermark) {
			watermark = attachment.ReceivedAt
		}
	}

	if !watermark.IsZero() {
		if err := j.groups.UpdateLastMailRead(ctx, group.ID, watermark); err != nil {
			return fmt.Errorf("advance mailbox watermark: %w", err)
		}
	}
	slog.Info("mailbox_read", "client_group", group.UUID, "attachments", len(attachments), "documents", created)
	return nil
}

func (j *MailIngestionJob) ingestAttachment(ctx context.Context, group *domain.ClientGroup, attachment domain.Attachment) (bool, error) {
	key := fmt.Sprintf("%d/%s_%s", group.ID, uuid.NewString(), sanitizeFilename(attachment.FileName))

	body, err := j.mailbox.Open(ctx, attachment)
	if err != nil {
		return false, fmt.Errorf("open attachment: %w", err)
	}
	err = j.files.Save(ctx, key, body)
	body.Close()
	if err != nil {
		return false, fmt.Errorf("save attachment: %w", err)
	}

	now := j.now().UTC()
	doc := &domain.Document{
		MessageID:     attachment.MessageID,
		ClientGroupID: group.ID,
		FileName:      attachment.FileName,
		LocalPath:     key,
		DownloadPath:  attachment.Location,
		Stage:         domain.StageDownloaded,
		Status:        domain.StatusNotProcessing,
		CreatedAt:     now,
	}
	doc.AppendHistory(domain.StageDownloaded, now)

	created, err := j.docs.Create(ctx, doc)
	if err != nil {
		_ = j.files.Remove(ctx, key)
		return false, fmt.Errorf("create document: %w", err)
	}
	if !created {
		slog.Debug("attachment_already_ingested", "client_group", group.UUID, "message_id", attachment.MessageID)
		_ = j.files.Remove(ctx, key)
		return false, nil
	}

	if j.events != nil {
		event := domain.StageEvent{DocumentID: doc.ID, To: domain.StageDownloaded, At: now}
		if err := j.events.PublishStageChanged(ctx, event); err != nil {
			slog.Warn("stage_event_publish_failed", "document_id", doc.ID, "error", err)
		}
	}
	return true, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." {
		return "document.pdf"
	}
	return base
}
