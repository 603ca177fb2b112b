package state

import (
	memdb "github.com/hashicorp/go-memdb"
)

const (
	// TableTasks is the memdb table holding the working copy of every
	// project's tasks.
	TableTasks = "tasks"

	tableIndex = "index"
)

// IndexEntry tracks the latest write index applied to a table.
type IndexEntry struct {
	Key   string
	Value uint64
}

func stateStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			TableTasks: tasksTableSchema(),
			tableIndex: indexTableSchema(),
		},
	}
}

// tasksTableSchema returns the MemDB schema for the tasks table. All indexes
// are compound on project ID first so every query is project scoped.
func tasksTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: TableTasks,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ProjectID"},
						&memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
			"project": {
				Name:         "project",
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.StringFieldIndex{
					Field: "ProjectID",
				},
			},
			"status": {
				Name:         "status",
				AllowMissing: false,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ProjectID"},
						&memdb.StringFieldIndex{Field: "Status"},
					},
				},
			},
			"assignee": {
				Name:         "assignee",
				AllowMissing: true,
				Unique:       false,
				Indexer: &memdb.CompoundIndex{
					Indexes: []memdb.Indexer{
						&memdb.StringFieldIndex{Field: "ProjectID"},
						&memdb.StringFieldIndex{Field: "Assignee"},
					},
				},
			},
		},
	}
}

func indexTableSchema() *memdb.TableSchema {
	return &memdb.TableSchema{
		Name: tableIndex,
		Indexes: map[string]*memdb.IndexSchema{
			"id": {
				Name:         "id",
				AllowMissing: false,
				Unique:       true,
				Indexer: &memdb.StringFieldIndex{
					Field:     "Key",
					Lowercase: true,
				},
			},
		},
	}
}
