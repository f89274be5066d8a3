// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/opsislabs/windlass/structs"
)

const (
	tableTasks = "tasks"
	tableLocks = "locks"

	indexID     = "id"
	indexTaskID = "task_id"
	indexKind   = "kind"
	indexStatus = "status"
)

// taskEntry is the memdb row wrapper. The scalar columns mirror fields of
// the task so memdb can index them; Task holds the authoritative copy.
type taskEntry struct {
	Key    string
	ID     string
	Kind   string
	Status string
	Task   *structs.Task
}

// lockEntry is a task lock held by one worker until Deadline. Expired
// entries linger until the sweeper reclaims them; that is what makes
// crashed workers discoverable.
type lockEntry struct {
	Key      string
	Worker   string
	Deadline time.Time
}

// stateStoreSchema returns the schema for the in-memory store.
func stateStoreSchema() *memdb.DBSchema {
	db := &memdb.DBSchema{
		Tables: make(map[string]*memdb.TableSchema),
	}

	for _, schema := range []*memdb.TableSchema{
		taskTableSchema(),
		lockTableSchema(),
	} {
		db.Tables[schema.Name] = schema
	}

	return db
}

// taskTableSchema returns the memdb schema for the tasks table. Rows are
// keyed by the canonical "kind/resource_id" form and additionally indexed
// by kind and status for listing and sweeps.
func taskTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableTasks,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Key",
				},
			},
			indexTaskID: {
				Name:         indexTaskID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "ID",
				},
			},
			indexKind: {
				Name:         indexKind,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Kind",
				},
			},
			indexStatus: {
				Name:         indexStatus,
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "Status",
				},
			},
		},
	}
}

// lockTableSchema returns the memdb schema for the locks table.
func lockTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableLocks,
		Indexes: map[string]*memdb.IndexSchema{
			indexID: {
				Name:         indexID,
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field: "Key",
				},
			},
		},
	}
}
