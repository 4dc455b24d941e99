package dummydb

import (
	"sync"

	"github.com/trezcool/tathmini/core/session"
	"github.com/trezcool/tathmini/core/submission"
)

type (
	// DB is an in-memory store for local development and tests.
	DB struct {
		session    *sessionTable
		submission *submissionTable
	}

	sessionTable struct {
		sync.RWMutex
		table map[string]session.AttemptSession
	}

	submissionTable struct {
		sync.RWMutex
		table map[string]submission.Submission
	}
)

func Open() *DB {
	return &DB{
		session:    &sessionTable{table: make(map[string]session.AttemptSession)},
		submission: &submissionTable{table: make(map[string]submission.Submission)},
	}
}
