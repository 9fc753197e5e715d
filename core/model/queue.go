package model

import "time"

// QueueEntry is a record persisted in the durable queue. Content is kept
// apart from the entry row and only populated when the entry is leased.
type QueueEntry struct {
	ID         uint64            `json:"id"`
	Created    int64             `json:"created"`
	Priority   int64             `json:"priority"`
	Attributes map[string]string `json:"attributes"`
	Size       int64             `json:"size"`
	LeaseID    string            `json:"leaseId,omitempty"`
	// Expiration is an absolute unix millis deadline, 0 when the entry never expires.
	Expiration int64 `json:"expiration"`

	Content []byte `json:"-"`
}

func (e *QueueEntry) IsExpired(now time.Time) bool {
	return e.Expiration > 0 && e.Expiration <= now.UnixMilli()
}

func (e *QueueEntry) Leased() bool {
	return e.LeaseID != ""
}

func (e *QueueEntry) Record() Record {
	if e.Size == 0 {
		return NewEmptyRecord(e.Attributes)
	}

	return NewBytesRecord(e.Attributes, e.Content)
}

// QueueLease is a time bounded claim of queue entries by one transaction.
type QueueLease struct {
	ID         string   `json:"id"`
	Expiration int64    `json:"expiration"`
	EntryIDs   []uint64 `json:"entryIds"`
}

func (l *QueueLease) IsExpired(now time.Time) bool {
	return l.Expiration <= now.UnixMilli()
}
