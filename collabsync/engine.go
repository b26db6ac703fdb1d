// Copyright 2025 IGN France
// SPDX-License-Identifier: Apache-2.0

package collabsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SaveResult reports the outcome of pushing the pending edits.
type SaveResult struct {
	Status        string
	Message       string
	TransactionID int64
	// Conflicts carries the server's conflict payload when Status is
	// "conflicting"; the ledger is left untouched in that case.
	Conflicts []byte
	InsertCount int
	UpdateCount int
	DeleteCount int
}

// Engine pushes pending edits to the collaborative service transactionally
// and clears local state only on confirmed success. It also binds collection
// mutation events to the ledger so map edits become durable without an
// explicit user action.
type Engine struct {
	dataset *Dataset
	ledger  *Ledger
	api     ApiClient
	store   DocumentReader
	logger  *slog.Logger

	// documentFields names the attachment-valued attributes whose local
	// file paths are exchanged for server document IDs before the push.
	documentFields []string

	mu sync.Mutex
	// uploadedDocs dedups attachment uploads by local path: an attachment
	// referenced by several actions is uploaded once.
	uploadedDocs map[string]string
}

// DocumentReader supplies attachment bytes for upload. Usually backed by the
// same file store as the ledger.
type DocumentReader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// NewEngine creates a sync engine for one dataset.
func NewEngine(dataset *Dataset, ledger *Ledger, api ApiClient,
	documents DocumentReader, documentFields []string, logger *slog.Logger) (*Engine, error) {
	if dataset == nil {
		return nil, fmt.Errorf("dataset must be provided")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger must be provided")
	}
	if api == nil {
		return nil, fmt.Errorf("api client must be provided")
	}
	if len(documentFields) > 0 && documents == nil {
		return nil, fmt.Errorf("document reader required when document fields are declared")
	}
	if logger == nil {
		logger = slog.Default()
	}
	dataset.normalize()
	return &Engine{
		dataset:        dataset,
		ledger:         ledger,
		api:            api,
		store:          documents,
		logger:         logger,
		documentFields: documentFields,
		uploadedDocs:   make(map[string]string),
	}, nil
}

// Bind wires a collection's mutation events to the ledger. Every user edit
// on the map synchronously becomes a pending ledger entry and kicks the
// coalesced persistence write.
func (e *Engine) Bind(c *Collection) {
	c.Events().On(EventFeatureAdded, func(ev Event) {
		e.ledger.RecordInsert(ev.Feature)
	})
	c.Events().On(EventFeatureRemoved, func(ev Event) {
		e.ledger.RecordDelete(ev.Feature)
	})
	c.Events().On(EventFeatureChanged, func(ev Event) {
		e.ledger.RecordUpdate(ev.Feature)
	})
}

// Save pushes the pending edits as one transaction. On success the ledger is
// reset (which forces the source to reload); on a conflicting answer or a
// transport error the ledger is left untouched so the edits can be
// resubmitted.
func (e *Engine) Save(ctx context.Context) (*SaveResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	set := e.ledger.Actions(false)
	if len(set.Actions) == 0 {
		return &SaveResult{Status: StatusOK}, nil
	}

	if len(e.documentFields) > 0 {
		if err := e.uploadAttachments(ctx, set.Actions); err != nil {
			return nil, fmt.Errorf("attachment upload failed: %w", err)
		}
	}

	result, err := e.api.AddTransaction(ctx, e.dataset.Name, set.Actions, "application/json")
	if err != nil {
		return nil, fmt.Errorf("transaction failed: %w", err)
	}

	switch result.Status {
	case StatusConflicting:
		e.logger.Warn("Save rejected with conflicts, keeping ledger",
			"dataset", e.dataset.Name, "pending", len(set.Actions))
		return &SaveResult{
			Status:      StatusConflicting,
			Message:     result.Message,
			Conflicts:   result.Conflicts,
			InsertCount: set.InsertCount,
			UpdateCount: set.UpdateCount,
			DeleteCount: set.DeleteCount,
		}, nil
	case StatusOK:
		if err := e.ledger.Reset(ctx); err != nil {
			return nil, fmt.Errorf("failed to reset ledger after save: %w", err)
		}
		e.logger.Info("Save confirmed",
			"dataset", e.dataset.Name, "transaction", result.ID,
			"inserts", set.InsertCount, "updates", set.UpdateCount, "deletes", set.DeleteCount)
		return &SaveResult{
			Status:        StatusOK,
			Message:       result.Message,
			TransactionID: result.ID,
			InsertCount:   set.InsertCount,
			UpdateCount:   set.UpdateCount,
			DeleteCount:   set.DeleteCount,
		}, nil
	default:
		return nil, fmt.Errorf("server rejected transaction: %s (%s)", result.Status, result.Message)
	}
}

// uploadAttachments exchanges local attachment paths referenced by pending
// actions for server document IDs, rewriting the action payloads in place.
func (e *Engine) uploadAttachments(ctx context.Context, actions []Action) error {
	for i := range actions {
		if actions[i].State == StateDelete {
			continue
		}
		for _, field := range e.documentFields {
			value, ok := actions[i].Data[field]
			if !ok {
				continue
			}
			path, ok := value.(string)
			if !ok || !isLocalDocumentPath(path) {
				continue
			}

			docID, uploaded := e.uploadedDocs[path]
			if !uploaded {
				content, err := e.store.Read(ctx, strings.TrimPrefix(path, "file://"))
				if err != nil {
					return fmt.Errorf("failed to read attachment %s: %w", path, err)
				}
				docID, err = e.api.AddDocument(ctx, documentName(path), content)
				if err != nil {
					return fmt.Errorf("failed to upload attachment %s: %w", path, err)
				}
				e.uploadedDocs[path] = docID
				e.logger.Debug("Attachment uploaded",
					"dataset", e.dataset.Name, "path", path, "document", docID)
			}
			actions[i].Data[field] = docID
		}
	}
	return nil
}

// isLocalDocumentPath reports whether an attachment value still references a
// device file rather than a server document ID.
func isLocalDocumentPath(value string) bool {
	return strings.HasPrefix(value, "file://") ||
		strings.HasPrefix(value, "/") ||
		strings.HasPrefix(value, "./")
}

func documentName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
