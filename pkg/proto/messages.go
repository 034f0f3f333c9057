// Package proto defines the JSON messages exchanged between nodes and with
// operators: the replication session protocol, commit notifications and the
// index/backup status documents.
package proto

import "time"

// ---------- Replication ----------

// ManifestItem describes one file of a generation on the wire.
type ManifestItem struct {
	Name       string `json:"name"`
	Length     int64  `json:"length"`
	VersionTag string `json:"versionTag"`
}

// SessionResponse is returned by beginSession.
type SessionResponse struct {
	SessionID      string         `json:"sessionId"`
	Index          string         `json:"index"`
	MasterIdentity string         `json:"masterIdentity"`
	Generation     int64          `json:"generation"`
	CommitName     string         `json:"commitName"`
	Manifest       []ManifestItem `json:"manifest"`
}

// ReleaseResponse is returned by release, which always succeeds.
type ReleaseResponse struct {
	SessionID string `json:"sessionId"`
	Released  bool   `json:"released"`
}

// ReplicationStatus reports the outcome of one replication pull.
type ReplicationStatus struct {
	Index          string    `json:"index"`
	Strategy       string    `json:"strategy"`
	MasterIdentity string    `json:"masterIdentity"`
	Generation     int64     `json:"generation"`
	Fetched        int       `json:"fetched"`
	Deleted        int       `json:"deleted"`
	BytesFetched   int64     `json:"bytesFetched"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	Error          string    `json:"error,omitempty"`
}

// ---------- Events ----------

// CommitEvent is published by a master after every commit.
type CommitEvent struct {
	Index          string    `json:"index"`
	MasterIdentity string    `json:"masterIdentity"`
	Generation     int64     `json:"generation"`
	CommittedAt    time.Time `json:"committedAt"`
}

// ---------- Index ----------

// Document is one document posted to a master.
type Document struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// DocumentsRequest posts documents and commits them with optional user data.
type DocumentsRequest struct {
	Documents []Document        `json:"documents"`
	UserData  map[string]string `json:"userData,omitempty"`
}

// CommitResponse reports the generation a write produced.
type CommitResponse struct {
	Index      string `json:"index"`
	Generation int64  `json:"generation"`
	Segments   int    `json:"segments"`
}

// SearchHit is one matching document.
type SearchHit struct {
	DocID     string `json:"docId"`
	Frequency int    `json:"frequency"`
}

type SearchResponse struct {
	Index      string      `json:"index"`
	Term       string      `json:"term"`
	Generation int64       `json:"generation"`
	Hits       []SearchHit `json:"hits"`
}

// IndexStatus describes an index on this node.
type IndexStatus struct {
	Index           string             `json:"index"`
	Role            string             `json:"role"`
	Identity        string             `json:"identity,omitempty"`
	MasterIdentity  string             `json:"masterIdentity,omitempty"`
	Generation      int64              `json:"generation"`
	Segments        int                `json:"segments"`
	Documents       int64              `json:"documents"`
	SizeBytes       int64              `json:"sizeBytes"`
	Sessions        int                `json:"sessions"`
	LastReplication *ReplicationStatus `json:"lastReplication,omitempty"`
}

// ---------- Backup ----------

// BackupStatus describes one backup of one index.
type BackupStatus struct {
	Name       string            `json:"name"`
	Index      string            `json:"index"`
	Generation int64             `json:"generation"`
	Files      int               `json:"files"`
	Bytes      int64             `json:"bytes"`
	UserData   map[string]string `json:"userData,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// ---------- Errors ----------

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}
