// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chainscan Contributors

// Package store persists scan outcomes locally so a worker can acknowledge a
// delivery only after its result is durable. An acked job whose outcome was
// never written is work lost forever; this store closes that window.
package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	chainerr "github.com/chainscan-dev/chainscan/pkg/errors"
	"github.com/chainscan-dev/chainscan/pkg/scan"
)

const outcomeBucket = "outcomes"

// PluginOutcome records one plugin's contribution to a scan: its findings on
// success, or the failure that contained it.
type PluginOutcome struct {
	Name     string         `json:"name"`
	Findings []scan.Finding `json:"findings,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// Outcome is the durable record of one completed job.
type Outcome struct {
	JobID       string          `json:"job_id"`
	Target      string          `json:"target"`
	CompletedAt time.Time       `json:"completed_at"`
	Plugins     []PluginOutcome `json:"plugins"`
}

// Outcomes is a badger-backed outcome store.
type Outcomes struct {
	db *badger.DB
}

// Open opens or creates the store rooted at dir.
func Open(dir string) (*Outcomes, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, chainerr.Wrap(err, chainerr.CodeStoreOpenFailure, "opening outcome store",
			chainerr.Field("dir", dir))
	}

	return &Outcomes{db: db}, nil
}

// Close flushes and closes the underlying database.
func (s *Outcomes) Close() error {
	if err := s.db.Close(); err != nil {
		return chainerr.Wrap(err, chainerr.CodeStoreWriteFailure, "closing outcome store")
	}
	return nil
}

// Record durably writes the outcome for jobID. The write is synchronous: once
// Record returns nil the caller may safely acknowledge the delivery.
func (s *Outcomes) Record(jobID string, o Outcome) error {
	if strings.TrimSpace(jobID) == "" {
		return chainerr.New(chainerr.CodeStoreWriteFailure, "job id must not be empty")
	}

	data, err := json.Marshal(o)
	if err != nil {
		return chainerr.Wrap(err, chainerr.CodeStoreWriteFailure, "encoding outcome",
			chainerr.FieldJobID(jobID))
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(jobID), data)
	})
	if err != nil {
		return chainerr.Wrap(err, chainerr.CodeStoreWriteFailure, "writing outcome",
			chainerr.FieldJobID(jobID))
	}

	return nil
}

// Get returns the recorded outcome for jobID.
func (s *Outcomes) Get(jobID string) (*Outcome, error) {
	var o Outcome

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(jobID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &o)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, chainerr.New(chainerr.CodeStoreNotFound, "no outcome recorded",
				chainerr.FieldJobID(jobID))
		}
		return nil, chainerr.Wrap(err, chainerr.CodeStoreReadFailure, "reading outcome",
			chainerr.FieldJobID(jobID))
	}

	return &o, nil
}

// Seen reports whether jobID already has a recorded outcome. Redelivered jobs
// check this before re-executing plugins: at-least-once delivery makes
// duplicates routine, not exceptional.
func (s *Outcomes) Seen(jobID string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key(jobID))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, chainerr.Wrap(err, chainerr.CodeStoreReadFailure, "checking outcome",
			chainerr.FieldJobID(jobID))
	}
	return true, nil
}

func key(jobID string) []byte {
	return []byte(outcomeBucket + "/" + jobID)
}
