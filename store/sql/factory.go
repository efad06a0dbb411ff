// Package sqlstore provides the bun-backed persistence layer: agents,
// submissions, and the durable lead queue.
package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-leads/core"
)

// StoreFactory wires the package's stores onto one bun DB handle.
type StoreFactory struct {
	db *bun.DB

	agentStore      *AgentStore
	submissionStore *SubmissionStore
	queueStore      *QueueStore

	queueOptions []QueueStoreOption
}

func NewStoreFactory(options ...QueueStoreOption) *StoreFactory {
	return &StoreFactory{queueOptions: options}
}

func NewStoreFactoryFromPersistence(client *persistence.Client, options ...QueueStoreOption) (*StoreFactory, error) {
	factory := NewStoreFactory(options...)
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewStoreFactoryFromDB(db *bun.DB, options ...QueueStoreOption) (*StoreFactory, error) {
	factory := NewStoreFactory(options...)
	if err := factory.BuildStores(db); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *StoreFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: store factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.agentStore != nil && f.submissionStore != nil && f.queueStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *StoreFactory) initStores() error {
	agentStore, err := NewAgentStore(f.db)
	if err != nil {
		return err
	}
	submissionStore, err := NewSubmissionStore(f.db)
	if err != nil {
		return err
	}
	queueStore, err := NewQueueStore(f.db, f.queueOptions...)
	if err != nil {
		return err
	}
	f.agentStore = agentStore
	f.submissionStore = submissionStore
	f.queueStore = queueStore
	return nil
}

func (f *StoreFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *StoreFactory) AgentStore() *AgentStore {
	if f == nil {
		return nil
	}
	return f.agentStore
}

func (f *StoreFactory) SubmissionStore() core.SubmissionStore {
	if f == nil {
		return nil
	}
	return f.submissionStore
}

func (f *StoreFactory) QueueStore() *QueueStore {
	if f == nil {
		return nil
	}
	return f.queueStore
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
