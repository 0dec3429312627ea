// ABOUTME: Knowledge base registry over the store and an external document indexer
// ABOUTME: Registers metadata rows and mirrors document counts reported by the indexer

package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/convstore/internal/store"
)

// ErrNoIndexer is returned by Sync when the registry has no indexer.
var ErrNoIndexer = errors.New("no document indexer configured")

// CollectionInfo is what the external indexer reports about a collection.
type CollectionInfo struct {
	DocumentCount int
}

// Indexer is the external document-indexing service that owns the documents.
type Indexer interface {
	CollectionInfo(ctx context.Context, collection string) (CollectionInfo, error)
}

// Registry manages knowledge base metadata rows. The documents themselves
// live in the indexer; only their count is mirrored here.
type Registry struct {
	store   store.KnowledgeBaseStore
	indexer Indexer
	logger  *slog.Logger
}

// NewRegistry creates a Registry. indexer may be nil, in which case Sync
// returns ErrNoIndexer.
func NewRegistry(s store.KnowledgeBaseStore, indexer Indexer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   s,
		indexer: indexer,
		logger:  logger.With("component", "knowledge"),
	}
}

// Register creates or updates the knowledge base named in kb.
func (r *Registry) Register(ctx context.Context, kb store.KnowledgeBaseUpsert) (*store.KnowledgeBase, error) {
	result, err := r.store.UpsertKnowledgeBase(ctx, kb)
	if err != nil {
		return nil, fmt.Errorf("registering knowledge base %q: %w", kb.Name, err)
	}
	r.logger.Debug("knowledge base registered", "name", result.Name, "collection", result.CollectionName)
	return result, nil
}

// Get returns the knowledge base with the given name.
func (r *Registry) Get(ctx context.Context, name string) (*store.KnowledgeBase, error) {
	return r.store.GetKnowledgeBase(ctx, name)
}

// List returns every registered knowledge base ordered by name.
func (r *Registry) List(ctx context.Context) ([]*store.KnowledgeBase, error) {
	return r.store.ListKnowledgeBases(ctx)
}

// Remove deletes a knowledge base row. Conversations that name it keep the name.
func (r *Registry) Remove(ctx context.Context, name string) error {
	if err := r.store.DeleteKnowledgeBase(ctx, name); err != nil {
		return fmt.Errorf("removing knowledge base %q: %w", name, err)
	}
	r.logger.Info("knowledge base removed", "name", name)
	return nil
}

// ForConversation resolves a conversation's soft reference. It returns nil
// without error when the conversation names no knowledge base or names one
// that is no longer registered.
func (r *Registry) ForConversation(ctx context.Context, conv *store.Conversation) (*store.KnowledgeBase, error) {
	if conv.KBName == nil {
		return nil, nil
	}
	kb, err := r.store.GetKnowledgeBase(ctx, *conv.KBName)
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Debug("conversation names unregistered knowledge base",
			"conversation_id", conv.ID,
			"kb_name", *conv.KBName,
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return kb, nil
}

// Sync asks the indexer for the collection's document count and stores it
// when it changed.
func (r *Registry) Sync(ctx context.Context, name string) (*store.KnowledgeBase, error) {
	if r.indexer == nil {
		return nil, ErrNoIndexer
	}

	kb, err := r.store.GetKnowledgeBase(ctx, name)
	if err != nil {
		return nil, err
	}

	info, err := r.indexer.CollectionInfo(ctx, kb.CollectionName)
	if err != nil {
		return nil, fmt.Errorf("querying indexer for collection %q: %w", kb.CollectionName, err)
	}
	if info.DocumentCount == kb.DocumentCount {
		return kb, nil
	}

	if err := r.store.SetDocumentCount(ctx, name, info.DocumentCount); err != nil {
		return nil, fmt.Errorf("mirroring document count for %q: %w", name, err)
	}
	r.logger.Info("document count updated",
		"name", name,
		"previous", kb.DocumentCount,
		"current", info.DocumentCount,
	)
	return r.store.GetKnowledgeBase(ctx, name)
}

// SyncAll syncs every registered knowledge base. It keeps going past
// individual failures and returns how many succeeded along with the joined
// errors.
func (r *Registry) SyncAll(ctx context.Context) (int, error) {
	if r.indexer == nil {
		return 0, ErrNoIndexer
	}

	kbs, err := r.store.ListKnowledgeBases(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing knowledge bases: %w", err)
	}

	synced := 0
	var errs []error
	for _, kb := range kbs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := r.Sync(ctx, kb.Name); err != nil {
			r.logger.Warn("knowledge base sync failed", "name", kb.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		synced++
	}
	return synced, errors.Join(errs...)
}
