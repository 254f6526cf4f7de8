package core

import (
	"strconv"
	"strings"
)

// Status is the local lifecycle state of a Request.
type Status string

const (
	StatusPending     Status = "pending"
	StatusApproved    Status = "approved"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusDeclined    Status = "declined"
	StatusFailed      Status = "failed"
)

// AllStatuses lists every reachable status, progress order first.
var AllStatuses = []Status{
	StatusPending, StatusApproved, StatusDownloading, StatusCompleted, StatusDeclined, StatusFailed,
}

// progress order of the success path; declined and failed are off-path sinks.
var rank = map[Status]int{
	StatusPending:     0,
	StatusApproved:    1,
	StatusDownloading: 2,
	StatusCompleted:   3,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusDownloading, StatusCompleted, StatusDeclined, StatusFailed:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeclined || s == StatusFailed
}

// Unsuccessful reports whether s is a terminal state that carries an error detail.
func (s Status) Unsuccessful() bool {
	return s == StatusDeclined || s == StatusFailed
}

// Title is the capitalised status name used in listings.
func (s Status) Title() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[:1])) + string(s[1:])
}

// CanTransition reports whether from -> to is an edge of the request graph.
// Non-terminal states may move forward along pending, approved, downloading,
// completed (skipping ahead is allowed) or drop into declined or failed.
// Terminal states never move.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() || from == to {
		return false
	}
	if to.Unsuccessful() {
		return true
	}
	return rank[to] > rank[from]
}

// ExternalStatus is the fulfillment service's coarse status code.
type ExternalStatus int

const (
	ExternalPending    ExternalStatus = 1
	ExternalApproved   ExternalStatus = 2
	ExternalDeclined   ExternalStatus = 3
	ExternalProcessing ExternalStatus = 4
	ExternalAvailable  ExternalStatus = 5
)

func (e ExternalStatus) String() string {
	switch e {
	case ExternalPending:
		return "Pending Approval"
	case ExternalApproved:
		return "Approved"
	case ExternalDeclined:
		return "Declined"
	case ExternalProcessing:
		return "Processing"
	case ExternalAvailable:
		return "Available"
	}
	return "Unknown (" + strconv.Itoa(int(e)) + ")"
}

// MapExternal maps a coarse external code onto the local status enum.
// Unknown codes map to pending.
func MapExternal(e ExternalStatus) Status {
	switch e {
	case ExternalApproved:
		return StatusApproved
	case ExternalDeclined:
		return StatusDeclined
	case ExternalProcessing:
		return StatusDownloading
	case ExternalAvailable:
		return StatusCompleted
	}
	return StatusPending
}
